package split

import (
	"sync"
	"time"

	"tabsy-split-service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionRuntime holds the live, authoritative split state for one table
// session. All mutation paths take mu, so writes for a session are fully
// serialized; different sessions proceed in parallel.
type sessionRuntime struct {
	sessionID string

	mu   sync.Mutex
	snap Snapshot // Version == 0 means no split exists this round

	subscribers map[string]chan OutgoingEvent
	inflight    map[string]time.Time // requestKey -> expiry, dedupes retried duplicates
}

func newSessionRuntime(sessionID string) *sessionRuntime {
	return &sessionRuntime{
		sessionID:   sessionID,
		snap:        Snapshot{TableSessionID: sessionID},
		subscribers: make(map[string]chan OutgoingEvent),
		inflight:    make(map[string]time.Time),
	}
}

// Subscribe registers a guest device on the session's sync channel. The
// current state is pushed immediately so a reconnecting device resyncs
// without a separate fetch.
func (rt *sessionRuntime) Subscribe(guestID string) <-chan OutgoingEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	ch := make(chan OutgoingEvent, 16)
	rt.subscribers[guestID] = ch
	if rt.snap.HasSplit() {
		rt.pushLocked(guestID, rt.eventLocked(EventSplitUpdated, rt.snap.UpdatedBy, false, rt.snap.Clone()))
	}
	return ch
}

func (rt *sessionRuntime) Unsubscribe(guestID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if ch, ok := rt.subscribers[guestID]; ok {
		delete(rt.subscribers, guestID)
		close(ch)
	}
}

func (rt *sessionRuntime) eventLocked(eventType, updatedBy string, isTypeChange bool, data interface{}) OutgoingEvent {
	return OutgoingEvent{
		Type:         eventType,
		EventID:      uuid.NewString(),
		Version:      rt.snap.Version,
		Timestamp:    nowMillis(),
		UpdatedBy:    updatedBy,
		IsTypeChange: isTypeChange,
		Data:         data,
	}
}

// broadcastLocked fans an event out to every subscriber. Slow consumers are
// dropped-from, never blocked on: correctness lives in receiver
// reconciliation, not in delivery guarantees.
func (rt *sessionRuntime) broadcastLocked(ev OutgoingEvent) {
	for guestID, ch := range rt.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("sync subscriber channel full",
				zap.String("guestSessionID", guestID),
				zap.String("tableSessionID", rt.sessionID),
			)
		}
	}
}

func (rt *sessionRuntime) pushLocked(guestID string, ev OutgoingEvent) {
	if ch, ok := rt.subscribers[guestID]; ok {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("sync subscriber channel full",
				zap.String("guestSessionID", guestID),
				zap.String("tableSessionID", rt.sessionID),
			)
		}
	}
}

// claimRequestKeyLocked reports whether an identical submission is already in
// flight, registering the key for the dedupe window otherwise.
func (rt *sessionRuntime) claimRequestKeyLocked(key string, ttl time.Duration) bool {
	now := time.Now()
	for k, exp := range rt.inflight {
		if now.After(exp) {
			delete(rt.inflight, k)
		}
	}
	if exp, ok := rt.inflight[key]; ok && now.Before(exp) {
		return false
	}
	rt.inflight[key] = now.Add(ttl)
	return true
}

func (rt *sessionRuntime) releaseRequestKeyLocked(key string) {
	delete(rt.inflight, key)
}
