package redis

import (
	"screenshare/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "screenshare:"

func profileKey(id domain.ProfileID) string { return keyPrefix + "profile:" + string(id) }
func requestKey(id domain.RequestID) string { return keyPrefix + "request:" + string(id) }
func sessionKey(id domain.SessionID) string { return keyPrefix + "session:" + string(id) }

func ticketRequestsKey(t domain.TicketID) string { return keyPrefix + "ticket:" + string(t) + ":requests" }
func ticketSessionsKey(t domain.TicketID) string { return keyPrefix + "ticket:" + string(t) + ":sessions" }

// activeRequestKey holds the id of the ticket's active request and expires
// together with it.
func activeRequestKey(t domain.TicketID) string {
	return keyPrefix + "ticket:" + string(t) + ":request:active"
}

func activeSessionKey(t domain.TicketID) string {
	return keyPrefix + "ticket:" + string(t) + ":session:active"
}

func requestSessionsKey(id domain.RequestID) string {
	return keyPrefix + "request:" + string(id) + ":sessions"
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
