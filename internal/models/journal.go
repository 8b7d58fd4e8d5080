package models

import (
	"time"

	"github.com/google/uuid"
)

// Uplink is one completed transmission
type Uplink struct {
	ID            uuid.UUID `json:"id" db:"id"`
	CycleID       uuid.UUID `json:"cycleId" db:"cycle_id"`
	DevEUI        EUI64     `json:"devEUI" db:"dev_eui"`
	FPort         uint8     `json:"fPort" db:"f_port"`
	Payload       []byte    `json:"payload" db:"payload"`
	Confirmed     bool      `json:"confirmed" db:"confirmed"`
	TransmittedAt time.Time `json:"transmittedAt" db:"transmitted_at"`
}

// JoinAttempt is the outcome of one OTAA handshake
type JoinAttempt struct {
	ID       uuid.UUID `json:"id" db:"id"`
	CycleID  uuid.UUID `json:"cycleId" db:"cycle_id"`
	DevEUI   EUI64     `json:"devEUI" db:"dev_eui"`
	Accepted bool      `json:"accepted" db:"accepted"`
	// Failures is the consecutive failure count including this attempt
	Failures  uint      `json:"failures" db:"failures"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
