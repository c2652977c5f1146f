package splitclient

import "tabsy-split-service/internal/service/split"

// Event is anything the imperative shell feeds into the reducer. Every event
// carries the wall clock so Apply stays deterministic.
type Event interface {
	at() int64
}

// LocalEdit is a keystroke-level change to the local user's own entry.
type LocalEdit struct {
	Field           Field
	Percentage      *float64
	Amount          *float64
	ItemAssignments map[string]string
	SplitType       split.SplitType
	Now             int64
}

// Broadcast is a sync-channel message from the store.
type Broadcast struct {
	Type         string
	Version      int64
	Timestamp    int64
	UpdatedBy    string
	IsTypeChange bool
	Snapshot     *split.Snapshot
	Now          int64
}

// StoreOK is the success response for a pending optimistic request.
type StoreOK struct {
	RequestKey string
	Snapshot   *split.Snapshot
	Now        int64
}

// StoreFailed is the failure (or timeout) response for a pending request.
type StoreFailed struct {
	RequestKey string
	Message    string
	Now        int64
}

// Tick drives debounce flushes and ledger expiry.
type Tick struct {
	Now int64
}

// Restored signals that the prior round's state has been loaded.
type Restored struct {
	Snapshot      *split.Snapshot // nil when no split existed
	LastSplitType split.SplitType
	Now           int64
}

func (e LocalEdit) at() int64   { return e.Now }
func (e Broadcast) at() int64   { return e.Now }
func (e StoreOK) at() int64     { return e.Now }
func (e StoreFailed) at() int64 { return e.Now }
func (e Tick) at() int64        { return e.Now }
func (e Restored) at() int64    { return e.Now }

// Effect is an instruction for the imperative shell.
type Effect interface {
	effect()
}

// CallStore asks the shell to issue a mutation to the split store.
type CallStore struct {
	RequestKey      string
	SplitType       split.SplitType
	Percentage      *float64
	Amount          *float64
	ItemAssignments map[string]string
	ExpectedVersion int64
}

// ShowError surfaces a message to the user.
type ShowError struct {
	Message string
}

// ScheduleFlush asks the shell to deliver a Tick at or after At (unix ms).
type ScheduleFlush struct {
	At int64
}

func (CallStore) effect()     {}
func (ShowError) effect()     {}
func (ScheduleFlush) effect() {}
