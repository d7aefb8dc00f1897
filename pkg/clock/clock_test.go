package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)

	assert.True(t, c.Now().Equal(start))

	c.Advance(10 * time.Second)
	assert.True(t, c.Now().Equal(start.Add(10*time.Second)))

	later := start.Add(time.Hour)
	c.Set(later)
	assert.True(t, c.Now().Equal(later))
}

func TestReal_IsCloseToTimeNow(t *testing.T) {
	got := Real().Now()
	assert.WithinDuration(t, time.Now(), got, time.Second)
}
