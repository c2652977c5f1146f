package model

import (
	"time"

	"gorm.io/datatypes"
)

// 2.1 Table session & roster

type TableSession struct {
	ID            string `gorm:"primaryKey;size:36"`
	RestaurantID  string `gorm:"size:36;index"`
	TableNumber   string `gorm:"size:16"`
	JoinCode      string `gorm:"size:8;uniqueIndex"`
	Status        string `gorm:"default:open;not null"` // open/closed
	LastSplitType string `gorm:"size:16"`               // seed for the next round
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

type Participant struct {
	GuestSessionID string `gorm:"primaryKey;size:36"`
	TableSessionID string `gorm:"size:36;index"`
	DisplayName    string `gorm:"size:64"`
	IsHost         bool   `gorm:"default:false"`
	CreatedAt      time.Time
}

// 2.2 Bill / order collaborator data

type OrderItem struct {
	ID             string `gorm:"primaryKey;size:36"`
	TableSessionID string `gorm:"size:36;index"`
	Name           string `gorm:"size:128"`
	Quantity       int    `gorm:"default:1"`
	UnitPrice      float64
	Subtotal       float64
	Paid           bool `gorm:"default:false"`
	CreatedAt      time.Time
}

// 2.3 Split state

// SplitRecord is the persisted snapshot of the authoritative split for one
// table session. The live runtime writes through on every accepted mutation
// so a restarted instance rehydrates mid-round.
type SplitRecord struct {
	TableSessionID      string `gorm:"primaryKey;size:36"`
	SplitType           string `gorm:"size:16;not null"`
	Version             int64
	TotalAmount         float64
	IsValid             bool
	ParticipantsJSON    datatypes.JSON `gorm:"type:jsonb"` // ordered guestSessionId list
	InputsJSON          datatypes.JSON `gorm:"type:jsonb"` // percentages/amounts/itemAssignments for the active type
	SplitAmountsJSON    datatypes.JSON `gorm:"type:jsonb"` // guestSessionId -> computed amount
	PaidPercentagesJSON datatypes.JSON `gorm:"type:jsonb"` // historical percentages of paid participants
	LockedBy            string         `gorm:"size:36"`
	LockReason          string         `gorm:"size:32"`
	LockedAt            *time.Time
	UpdatedBy           string `gorm:"size:36"`
	UpdatedAt           time.Time
}

type SplitAuditLog struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	TableSessionID string `gorm:"size:36;index"`
	Version        int64
	Action         string `gorm:"size:32"` // create/update/lock/unlock/participant_paid/round_closed
	ActorID        string `gorm:"size:36"`
	DetailJSON     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
}
