package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"screenshare/internal/core/ports"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
)

// FrameSource yields encoded VP8 frames. io.EOF ends the stream.
type FrameSource interface {
	NextFrame() (pionmedia.Sample, error)
	Close() error
}

// IVFSource replays a VP8 IVF file, looping at the end.
type IVFSource struct {
	path string

	mu       sync.Mutex
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func OpenIVF(path string) (*IVFSource, error) {
	s := &IVFSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IVFSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	s.file = f
	s.reader = reader
	s.duration = time.Second / 30
	if header.TimebaseDenominator > 0 {
		s.duration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return nil
}

func (s *IVFSource) NextFrame() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return pionmedia.Sample{}, io.EOF
	}
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		s.file.Close()
		if err := s.open(); err != nil {
			s.reader = nil
			return pionmedia.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *IVFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reader = nil
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// pump writes frames to track at the source's pace until the collaborator
// is disposed or the source runs dry.
func (c *PionCollaborator) pump(track *webrtc.TrackLocalStaticSample) {
	var sent uint64
	for {
		sample, err := c.config.Source.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warnw("Frame source failed", "error", err)
			}
			return
		}
		if err := track.WriteSample(sample); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Warnw("Failed to write sample", "error", err)
			}
			return
		}
		sent++
		if sent == 1 {
			c.report(ports.MediaStreaming)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(sample.Duration):
		}
	}
}
