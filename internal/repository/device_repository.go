package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceRecord is the persisted device identity
type DeviceRecord struct {
	DeviceID      string
	DeviceName    string
	PrivateKeyPEM string
	Thumbprint    string
	RegisteredAt  time.Time
	LastSyncAt    *time.Time
}

type DeviceRepository struct {
	db Querier
}

func NewDeviceRepository(db Querier) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Get returns the device identity, or ErrNotFound before one is created
func (r *DeviceRepository) Get(ctx context.Context) (*DeviceRecord, error) {
	var rec DeviceRecord
	var name sql.NullString
	var registeredAt int64
	var lastSyncAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT device_id, device_name, private_key, thumbprint, registered_at, last_sync_at
		FROM device_info
		ORDER BY id ASC
		LIMIT 1
	`).Scan(&rec.DeviceID, &name, &rec.PrivateKeyPEM, &rec.Thumbprint, &registeredAt, &lastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	rec.DeviceName = name.String
	rec.RegisteredAt = fromMillis(registeredAt)
	if lastSyncAt.Valid {
		t := fromMillis(lastSyncAt.Int64)
		rec.LastSyncAt = &t
	}
	return &rec, nil
}

func (r *DeviceRepository) Save(ctx context.Context, rec *DeviceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_info (device_id, device_name, private_key, thumbprint, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			private_key = excluded.private_key,
			thumbprint = excluded.thumbprint
	`, rec.DeviceID, rec.DeviceName, rec.PrivateKeyPEM, rec.Thumbprint, toMillis(rec.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to save device info: %w", err)
	}
	return nil
}

// TouchLastSync records a successful sync
func (r *DeviceRepository) TouchLastSync(ctx context.Context, deviceID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, "UPDATE device_info SET last_sync_at = ? WHERE device_id = ?", toMillis(at), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return checkAffected(result)
}
