package storage

import (
	"context"
	"math"

	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
)

// ========== Uplink Methods ==========

// SaveUplink records a completed transmission
func (s *SQLStore) SaveUplink(ctx context.Context, u *models.Uplink) error {
	if err := validateUplink(u); err != nil {
		return err
	}

	query := `
		INSERT INTO uplinks (
			id, cycle_id, dev_eui, f_port, payload, confirmed, transmitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	payload := u.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		u.ID.String(), u.CycleID.String(), u.DevEUI, int(u.FPort),
		payload, u.Confirmed, u.TransmittedAt.UTC(),
	)
	return err
}

// ListUplinks lists uplinks of devEUI, newest first
func (s *SQLStore) ListUplinks(ctx context.Context, devEUI models.EUI64, limit int) ([]*models.Uplink, error) {
	query := `
		SELECT id, cycle_id, dev_eui, f_port, payload, confirmed, transmitted_at
		FROM uplinks
		WHERE dev_eui = ?
		ORDER BY transmitted_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), devEUI, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uplinks []*models.Uplink
	for rows.Next() {
		u := &models.Uplink{}
		var fPort int
		if err := rows.Scan(
			&u.ID, &u.CycleID, &u.DevEUI, &fPort,
			&u.Payload, &u.Confirmed, &u.TransmittedAt,
		); err != nil {
			return nil, err
		}
		u.FPort = uint8(fPort)
		uplinks = append(uplinks, u)
	}

	return uplinks, rows.Err()
}

// ========== Join Attempt Methods ==========

// SaveJoinAttempt records the outcome of a join handshake
func (s *SQLStore) SaveJoinAttempt(ctx context.Context, a *models.JoinAttempt) error {
	query := `
		INSERT INTO join_attempts (
			id, cycle_id, dev_eui, accepted, failures, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		a.ID.String(), a.CycleID.String(), a.DevEUI, a.Accepted,
		int64(a.Failures), a.Reason, a.CreatedAt.UTC(),
	)
	return err
}

// ListJoinAttempts lists join attempts of devEUI, newest first
func (s *SQLStore) ListJoinAttempts(ctx context.Context, devEUI models.EUI64, limit int) ([]*models.JoinAttempt, error) {
	query := `
		SELECT id, cycle_id, dev_eui, accepted, failures, reason, created_at
		FROM join_attempts
		WHERE dev_eui = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), devEUI, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.JoinAttempt
	for rows.Next() {
		a := &models.JoinAttempt{}
		var failures int64
		if err := rows.Scan(
			&a.ID, &a.CycleID, &a.DevEUI, &a.Accepted,
			&failures, &a.Reason, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Failures = uint(failures)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// sqlLimit maps a non-positive limit to "no limit"
func sqlLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}
