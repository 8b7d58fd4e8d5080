package storage

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
)

// NextDevNonce increments and returns the stored counter of devEUI
func (s *SQLStore) NextDevNonce(ctx context.Context, devEUI models.EUI64) (uint16, error) {
	var next uint16

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT last_nonce FROM dev_nonces WHERE dev_eui = ?`),
			devEUI,
		).Scan(&last)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			next = 1
			_, err = tx.ExecContext(ctx,
				s.rebind(`INSERT INTO dev_nonces (dev_eui, last_nonce) VALUES (?, ?)`),
				devEUI, int64(next),
			)
			return err
		case err != nil:
			return err
		case last >= math.MaxUint16:
			return ErrNonceExhausted
		}

		next = uint16(last + 1)
		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE dev_nonces SET last_nonce = ? WHERE dev_eui = ?`),
			int64(next), devEUI,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
