package split

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandleAction dispatches one inbound websocket frame from a guest device.
// Every action maps onto the same store operations the REST surface uses, so
// the two transports cannot diverge in semantics.
func (s *Service) HandleAction(ctx context.Context, sessionID, guestID, action string, data json.RawMessage) error {
	switch action {
	case "update_split":
		var payload struct {
			Percentage      *float64          `json:"percentage"`
			Amount          *float64          `json:"amount"`
			ItemAssignments map[string]string `json:"itemAssignments"`
			ExpectedVersion int64             `json:"expectedVersion"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		_, err := s.UpdateParticipant(ctx, UpdateParams{
			SessionID:       sessionID,
			ParticipantID:   guestID,
			RequesterID:     guestID,
			Percentage:      payload.Percentage,
			Amount:          payload.Amount,
			ItemAssignments: payload.ItemAssignments,
			ExpectedVersion: payload.ExpectedVersion,
		})
		return err

	case "switch_split_type":
		var payload struct {
			SplitType       SplitType          `json:"splitType"`
			Percentages     map[string]float64 `json:"percentages"`
			Amounts         map[string]float64 `json:"amounts"`
			ItemAssignments map[string]string  `json:"itemAssignments"`
			ExpectedVersion int64              `json:"expectedVersion"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		_, err := s.Create(ctx, CreateParams{
			SessionID:       sessionID,
			SplitType:       payload.SplitType,
			Percentages:     payload.Percentages,
			Amounts:         payload.Amounts,
			ItemAssignments: payload.ItemAssignments,
			RequesterID:     guestID,
			ExpectedVersion: payload.ExpectedVersion,
		})
		return err

	case "lock":
		_, err := s.Lock(ctx, sessionID, guestID, LockReasonPaymentCreated)
		return err

	case "unlock":
		_, err := s.Unlock(ctx, sessionID, guestID, false)
		return err

	case "rejoin":
		s.pushState(sessionID, guestID)
		return nil

	case "ping":
		s.pushPong(sessionID, guestID)
		return nil

	default:
		return fmt.Errorf("unsupported action %q", action)
	}
}

func (s *Service) pushState(sessionID, guestID string) {
	v, ok := s.runtimes.Load(sessionID)
	if !ok {
		return
	}
	rt := v.(*sessionRuntime)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.snap.HasSplit() {
		rt.pushLocked(guestID, rt.eventLocked(EventSplitUpdated, rt.snap.UpdatedBy, false, rt.snap.Clone()))
	}
}

func (s *Service) pushPong(sessionID, guestID string) {
	v, ok := s.runtimes.Load(sessionID)
	if !ok {
		return
	}
	rt := v.(*sessionRuntime)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pushLocked(guestID, rt.eventLocked(EventPong, "", false, map[string]string{"message": "pong"}))
}
