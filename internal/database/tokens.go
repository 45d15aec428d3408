package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DeviceToken is one enrolled device and its current bearer token.
type DeviceToken struct {
	DeviceID             string
	Token                string
	PublicKey            string
	Platform             *string
	AppVersion           *string
	IssuedAt             time.Time
	ExpiresAt            time.Time
	ForceRenewalRequired bool
}

// GetDeviceToken fetches the token row for a device. It returns (nil, nil)
// when the device has never enrolled.
func (db *DB) GetDeviceToken(ctx context.Context, deviceID string) (*DeviceToken, error) {
	var tok DeviceToken
	err := db.QueryRowContext(ctx, `
		SELECT device_id, token, public_key, platform, app_version,
		       issued_at, expires_at, force_renewal_required
		FROM device_tokens
		WHERE device_id = $1
	`, deviceID).Scan(
		&tok.DeviceID, &tok.Token, &tok.PublicKey, &tok.Platform, &tok.AppVersion,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.ForceRenewalRequired,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// UpsertDeviceToken writes the token row for a device. A device has at most
// one active token row; the last successful write wins.
func (db *DB) UpsertDeviceToken(ctx context.Context, tok *DeviceToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO device_tokens (device_id, token, public_key, platform, app_version,
			issued_at, expires_at, force_renewal_required)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			token = EXCLUDED.token,
			public_key = EXCLUDED.public_key,
			platform = EXCLUDED.platform,
			app_version = EXCLUDED.app_version,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			force_renewal_required = EXCLUDED.force_renewal_required
	`, tok.DeviceID, tok.Token, tok.PublicKey, tok.Platform, tok.AppVersion,
		tok.IssuedAt, tok.ExpiresAt, tok.ForceRenewalRequired)
	return err
}
