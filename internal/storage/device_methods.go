package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/node-fleet/node-gateway/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `
        device_id, addr, name, location, created_at, updated_at,
        last_seen_at, alarm_active`

func scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	device := &models.Device{}
	var location sql.NullString

	err := row.Scan(
		&device.ID, &device.Addr, &device.Name, &location,
		&device.CreatedAt, &device.UpdatedAt,
		&device.LastSeenAt, &device.AlarmActive,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	device.Location = location.String
	return device, nil
}

// GetDeviceSnapshot returns all devices with their status classified against
// the freshness threshold.
func (s *PostgresStore) GetDeviceSnapshot(ctx context.Context, freshness time.Duration) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		device.Status = device.ClassifyStatus(freshness, now)
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// GetDevice gets a device by logical id
func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	return scanDevice(s.db.QueryRowContext(ctx, query, deviceID))
}

// GetDeviceByAddr gets a device by hardware address
func (s *PostgresStore) GetDeviceByAddr(ctx context.Context, addr string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE addr = $1`
	return scanDevice(s.db.QueryRowContext(ctx, query, addr))
}

// ResolveAddress translates a logical device id to its hardware address
func (s *PostgresStore) ResolveAddress(ctx context.Context, deviceID string) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx,
		"SELECT addr FROM devices WHERE device_id = $1", deviceID,
	).Scan(&addr)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	return addr, nil
}

// UpdateHeartbeat updates the last-seen timestamp of a device
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, addr string, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE devices SET last_seen_at = $2, updated_at = $3 WHERE addr = $1",
		addr, seenAt, time.Now(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SetAlarmActive sets the alarm-active flag of a device
func (s *PostgresStore) SetAlarmActive(ctx context.Context, addr string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE devices SET alarm_active = $2, updated_at = $3 WHERE addr = $1",
		addr, active, time.Now(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
