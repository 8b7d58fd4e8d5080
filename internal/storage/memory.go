package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
)

// MemoryStore keeps everything in RAM. It does not survive a restart and
// is meant for tests and the simulated transport.
type MemoryStore struct {
	mu       sync.Mutex
	nonces   map[models.EUI64]uint16
	uplinks  []*models.Uplink
	attempts []*models.JoinAttempt
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[models.EUI64]uint16)}
}

// NextDevNonce increments the in-memory counter
func (m *MemoryStore) NextDevNonce(_ context.Context, devEUI models.EUI64) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.nonces[devEUI]
	if last == math.MaxUint16 {
		return 0, ErrNonceExhausted
	}
	m.nonces[devEUI] = last + 1
	return last + 1, nil
}

// SaveUplink stores a copy of u
func (m *MemoryStore) SaveUplink(_ context.Context, u *models.Uplink) error {
	if err := validateUplink(u); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *u
	c.Payload = append([]byte{}, u.Payload...)
	m.uplinks = append(m.uplinks, &c)
	return nil
}

// ListUplinks lists uplinks of devEUI, newest first
func (m *MemoryStore) ListUplinks(_ context.Context, devEUI models.EUI64, limit int) ([]*models.Uplink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Uplink
	for _, u := range m.uplinks {
		if u.DevEUI == devEUI {
			c := *u
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TransmittedAt.After(out[j].TransmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveJoinAttempt stores a copy of a
func (m *MemoryStore) SaveJoinAttempt(_ context.Context, a *models.JoinAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *a
	m.attempts = append(m.attempts, &c)
	return nil
}

// ListJoinAttempts lists join attempts of devEUI, newest first
func (m *MemoryStore) ListJoinAttempts(_ context.Context, devEUI models.EUI64, limit int) ([]*models.JoinAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.JoinAttempt
	for _, a := range m.attempts {
		if a.DevEUI == devEUI {
			c := *a
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
