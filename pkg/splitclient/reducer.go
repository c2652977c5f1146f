package splitclient

import (
	"math"
	"sort"

	"tabsy-split-service/internal/service/split"

	"github.com/google/uuid"
)

// Apply is the reducer: one event in, new state plus effects out. The input
// state is never mutated.
func Apply(s State, ev Event) (State, []Effect) {
	next := s.clone()
	var effects []Effect

	switch e := ev.(type) {
	case Restored:
		effects = applyRestored(&next, e)
	case LocalEdit:
		effects = applyLocalEdit(&next, e)
	case Broadcast:
		effects = applyBroadcast(&next, e)
	case StoreOK:
		effects = applyStoreOK(&next, e)
	case StoreFailed:
		effects = applyStoreFailed(&next, e)
	case Tick:
		effects = applyTick(&next, e)
	}
	return next, effects
}

func applyRestored(s *State, e Restored) []Effect {
	if e.Snapshot != nil {
		s.Authoritative = e.Snapshot.Clone()
		s.Local = e.Snapshot.Clone()
		s.LastEventTS = e.Snapshot.UpdatedAt
		if e.Snapshot.SplitType != "" {
			s.LastSplitType = e.Snapshot.SplitType
		}
	}
	if e.LastSplitType != "" {
		s.LastSplitType = e.LastSplitType
	}
	s.RestoredForRound = true

	// Replay anything that arrived mid-restore, oldest first. Restoration
	// always completes before the first broadcast is applied, so a fresh
	// EQUAL default never clobbers a restored non-EQUAL type out of order.
	buffered := s.Buffered
	s.Buffered = nil
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].Timestamp < buffered[j].Timestamp
	})
	var effects []Effect
	for _, b := range buffered {
		effects = append(effects, applyBroadcast(s, b)...)
	}
	return effects
}

func applyLocalEdit(s *State, e LocalEdit) []Effect {
	if s.Rollback == nil {
		snap := s.Local.Clone()
		s.Rollback = &snap
	}

	switch e.Field {
	case FieldPercentage:
		if e.Percentage != nil {
			if s.Local.Percentages == nil {
				s.Local.Percentages = map[string]float64{}
			}
			s.Local.Percentages[s.SelfID] = *e.Percentage
		}
	case FieldAmount:
		if e.Amount != nil {
			if s.Local.Amounts == nil {
				s.Local.Amounts = map[string]float64{}
			}
			s.Local.Amounts[s.SelfID] = *e.Amount
		}
	case FieldItems:
		if s.Local.ItemAssignments == nil {
			s.Local.ItemAssignments = map[string]string{}
		}
		for item, owner := range e.ItemAssignments {
			s.Local.ItemAssignments[item] = owner
		}
	case FieldSplitType:
		if e.SplitType.Valid() {
			s.Local.SplitType = e.SplitType
			s.LastSplitType = e.SplitType
		}
	}

	s.Dirty[e.Field] = true
	s.HotUntil[e.Field] = e.Now + HotWindow.Milliseconds()
	s.FlushAt = e.Now + Debounce.Milliseconds()
	return []Effect{ScheduleFlush{At: s.FlushAt}}
}

func applyTick(s *State, e Tick) []Effect {
	expirePending(s, e.Now)

	if s.FlushAt == 0 || e.Now < s.FlushAt {
		return nil
	}
	s.FlushAt = 0
	if len(s.Dirty) == 0 {
		return nil
	}

	key := uuid.New().String()
	call := CallStore{
		RequestKey:      key,
		ExpectedVersion: s.Authoritative.Version,
	}
	for f := range s.Dirty {
		w := PendingWrite{Field: f, RequestKey: key, SubmittedAt: e.Now}
		switch f {
		case FieldPercentage:
			if v, ok := s.Local.Percentages[s.SelfID]; ok {
				v := v
				call.Percentage = &v
				w.Percentage = &v
			}
		case FieldAmount:
			if v, ok := s.Local.Amounts[s.SelfID]; ok {
				v := v
				call.Amount = &v
				w.Amount = &v
			}
		case FieldItems:
			assignments := map[string]string{}
			for item, owner := range s.Local.ItemAssignments {
				assignments[item] = owner
			}
			call.ItemAssignments = assignments
			w.ItemAssignments = assignments
		case FieldSplitType:
			call.SplitType = s.Local.SplitType
			w.SplitType = s.Local.SplitType
		}
		s.Pending[f] = w
	}
	s.PendingRequestKeys[key] = true
	s.Dirty = map[Field]bool{}
	return []Effect{call}
}

func applyBroadcast(s *State, e Broadcast) []Effect {
	if !s.RestoredForRound {
		s.Buffered = append(s.Buffered, e)
		return nil
	}
	if e.Snapshot == nil {
		return nil
	}
	// Stale or duplicate: nothing newer than what we already processed.
	if e.Timestamp <= s.LastEventTS {
		return nil
	}

	expirePending(s, e.Now)
	remote := *e.Snapshot
	s.LastEventTS = e.Timestamp
	s.Authoritative = remote.Clone()
	if remote.SplitType != "" {
		s.LastSplitType = remote.SplitType
	}

	// A split-type change is server-authoritative: it affects everyone at
	// once, so local optimistic state never overrides it.
	if e.IsTypeChange {
		s.Local = remote.Clone()
		s.Pending = map[Field]PendingWrite{}
		s.Dirty = map[Field]bool{}
		s.FlushAt = 0
		s.Rollback = nil
		return nil
	}

	if s.hasUnconfirmedPending() && e.UpdatedBy != s.SelfID {
		resolveConflict(s, remote, e.Now)
		return nil
	}

	if !materialChange(s.Local, remote) {
		// Values agree within tolerance; marker already advanced.
		return nil
	}

	merged := remote.Clone()
	overlaySelf(s, &merged, e.Now)
	s.Local = merged
	return nil
}

func applyStoreOK(s *State, e StoreOK) []Effect {
	if !s.PendingRequestKeys[e.RequestKey] {
		return nil
	}
	for f, w := range s.Pending {
		if w.RequestKey != e.RequestKey {
			continue
		}
		w.Confirmed = true
		w.ExpiresAt = e.Now + ConfirmGrace.Milliseconds()
		s.Pending[f] = w
	}
	if e.Snapshot != nil {
		s.Authoritative = e.Snapshot.Clone()
		if e.Snapshot.UpdatedAt > s.LastEventTS {
			s.LastEventTS = e.Snapshot.UpdatedAt
		}
		merged := e.Snapshot.Clone()
		overlaySelf(s, &merged, e.Now)
		s.Local = merged
	}
	s.Rollback = nil
	return nil
}

func applyStoreFailed(s *State, e StoreFailed) []Effect {
	if !s.PendingRequestKeys[e.RequestKey] {
		return nil
	}
	delete(s.PendingRequestKeys, e.RequestKey)
	for f, w := range s.Pending {
		if w.RequestKey == e.RequestKey {
			delete(s.Pending, f)
		}
	}
	// Never leave local state diverged from a known-bad write.
	if s.Rollback != nil {
		s.Local = s.Rollback.Clone()
		s.Rollback = nil
	}
	msg := e.Message
	if msg == "" {
		msg = "update failed"
	}
	return []Effect{ShowError{Message: msg}}
}

// expirePending drops confirmed ledger entries whose grace window has passed
// and forgets request keys with no live entries left.
func expirePending(s *State, now int64) {
	live := map[string]bool{}
	for f, w := range s.Pending {
		if w.Confirmed && w.ExpiresAt <= now {
			delete(s.Pending, f)
			continue
		}
		live[w.RequestKey] = true
	}
	for key := range s.PendingRequestKeys {
		if !live[key] {
			delete(s.PendingRequestKeys, key)
		}
	}
	for f, until := range s.HotUntil {
		if until <= now {
			delete(s.HotUntil, f)
		}
	}
}

// materialChange reports whether remote differs from local beyond the
// per-field tolerance bands.
func materialChange(local, remote split.Snapshot) bool {
	if local.SplitType != remote.SplitType || local.Version != remote.Version {
		return true
	}
	if len(local.Participants) != len(remote.Participants) {
		return true
	}
	if local.Lock != remote.Lock || local.IsValid != remote.IsValid {
		return true
	}
	if floatMapDiffers(local.SplitAmounts, remote.SplitAmounts, AmountTolerance) {
		return true
	}
	if floatMapDiffers(local.Amounts, remote.Amounts, AmountTolerance) {
		return true
	}
	if floatMapDiffers(local.Percentages, remote.Percentages, PercentageTolerance) {
		return true
	}
	if len(local.ItemAssignments) != len(remote.ItemAssignments) {
		return true
	}
	for item, owner := range remote.ItemAssignments {
		if local.ItemAssignments[item] != owner {
			return true
		}
	}
	return false
}

func floatMapDiffers(a, b map[string]float64, tol float64) bool {
	if len(a) != len(b) {
		return true
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || math.Abs(va-vb) > tol {
			return true
		}
	}
	return false
}
