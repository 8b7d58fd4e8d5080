// Package storage persists what must survive deep sleep: the DevNonce
// counter and the journal of joins and uplinks.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
)

// Common errors
var (
	ErrNotFound       = errors.New("not found")
	ErrNonceExhausted = errors.New("DevNonce space exhausted")
	ErrInvalidData    = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// NextDevNonce returns a DevNonce strictly greater than every one
	// returned before for devEUI
	NextDevNonce(ctx context.Context, devEUI models.EUI64) (uint16, error)

	SaveUplink(ctx context.Context, u *models.Uplink) error
	// ListUplinks returns the newest uplinks first
	ListUplinks(ctx context.Context, devEUI models.EUI64, limit int) ([]*models.Uplink, error)

	SaveJoinAttempt(ctx context.Context, a *models.JoinAttempt) error
	ListJoinAttempts(ctx context.Context, devEUI models.EUI64, limit int) ([]*models.JoinAttempt, error)

	Close() error
}

// Open creates the store for driver: "sqlite3", "postgres" or "memory"
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite3", "sqlite", "":
		return NewSQLStore(ctx, "sqlite3", dsn)
	case "postgres":
		return NewSQLStore(ctx, "postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func validateUplink(u *models.Uplink) error {
	if u.FPort == 0 {
		return fmt.Errorf("%w: FPort 0 is reserved", ErrInvalidData)
	}
	return nil
}
