package splitclient

import "tabsy-split-service/internal/service/split"

// ConflictStrategy decides what happens when a broadcast for another
// participant's edit arrives while this device holds an unconfirmed
// optimistic write of its own.
type ConflictStrategy int

const (
	// StrategyMergeFields adopts the remote state but preserves the local
	// user's own still-unconfirmed fields. Default.
	StrategyMergeFields ConflictStrategy = iota
	// StrategyKeepLocal keeps local state and only advances the last-seen
	// marker.
	StrategyKeepLocal
	// StrategyAcceptRemote drops the local optimistic write entirely.
	StrategyAcceptRemote
)

// resolveConflict applies the strategy. A split-type change in the remote is
// handled before this is called and always wins.
func resolveConflict(s *State, remote split.Snapshot, now int64) {
	switch s.Strategy {
	case StrategyKeepLocal:
		// keep Local as-is
	case StrategyAcceptRemote:
		s.Local = remote.Clone()
		s.Pending = map[Field]PendingWrite{}
		s.Dirty = map[Field]bool{}
		s.FlushAt = 0
		s.Rollback = nil
	default:
		merged := remote.Clone()
		overlaySelf(s, &merged, now)
		s.Local = merged
	}
}

// overlaySelf re-applies the local user's unconfirmed or hot field values on
// top of a remote snapshot.
func overlaySelf(s *State, snap *split.Snapshot, now int64) {
	for f, w := range s.Pending {
		if w.Confirmed && w.ExpiresAt <= now {
			continue
		}
		applyPendingField(s.SelfID, f, w, snap)
	}
	// Hot fields protect the latest keystroke even before it enters the
	// pending ledger.
	for f, until := range s.HotUntil {
		if until <= now || !s.Dirty[f] {
			continue
		}
		copyLocalField(s.SelfID, f, s.Local, snap)
	}
}

func applyPendingField(selfID string, f Field, w PendingWrite, snap *split.Snapshot) {
	switch f {
	case FieldPercentage:
		if w.Percentage != nil {
			if snap.Percentages == nil {
				snap.Percentages = map[string]float64{}
			}
			snap.Percentages[selfID] = *w.Percentage
		}
	case FieldAmount:
		if w.Amount != nil {
			if snap.Amounts == nil {
				snap.Amounts = map[string]float64{}
			}
			snap.Amounts[selfID] = *w.Amount
		}
	case FieldItems:
		for item, owner := range w.ItemAssignments {
			if snap.ItemAssignments == nil {
				snap.ItemAssignments = map[string]string{}
			}
			snap.ItemAssignments[item] = owner
		}
	}
}

func copyLocalField(selfID string, f Field, from split.Snapshot, to *split.Snapshot) {
	switch f {
	case FieldPercentage:
		if v, ok := from.Percentages[selfID]; ok {
			if to.Percentages == nil {
				to.Percentages = map[string]float64{}
			}
			to.Percentages[selfID] = v
		}
	case FieldAmount:
		if v, ok := from.Amounts[selfID]; ok {
			if to.Amounts == nil {
				to.Amounts = map[string]float64{}
			}
			to.Amounts[selfID] = v
		}
	case FieldItems:
		for item, owner := range from.ItemAssignments {
			if owner != selfID {
				continue
			}
			if to.ItemAssignments == nil {
				to.ItemAssignments = map[string]string{}
			}
			to.ItemAssignments[item] = owner
		}
	}
}
