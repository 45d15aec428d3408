package database

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// CaptureRecord is one immutable lock-proof row. Sealing fields stay NULL
// until the sealer adopts the record and are never rewritten afterwards.
type CaptureRecord struct {
	RecordID          string
	Shortcode         string
	VerifyURL         string
	AssetHash         string
	CaptureTimeUTC    time.Time
	DeviceID          string
	DevicePubkey      string
	GeoLat            *string
	GeoLon            *string
	GeoAccuracyM      *string
	Signature         string
	CreatedAtUTC      time.Time
	MerkleBatchID     *string
	MerkleRootHash    *string
	MerkleSealedAtUTC *time.Time
}

// InsertCaptureRecord persists a freshly locked capture record.
func (db *DB) InsertCaptureRecord(ctx context.Context, rec *CaptureRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO capture_records (record_id, shortcode, verify_url, asset_hash,
			capture_time_utc, device_id, device_pubkey, geo_lat, geo_lon,
			geo_accuracy_m, signature, created_at_utc,
			merkle_batch_id, merkle_root_hash, merkle_sealed_at_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, NULL, NULL)
	`, rec.RecordID, rec.Shortcode, rec.VerifyURL, rec.AssetHash,
		rec.CaptureTimeUTC, rec.DeviceID, rec.DevicePubkey, rec.GeoLat, rec.GeoLon,
		rec.GeoAccuracyM, rec.Signature, rec.CreatedAtUTC)
	return err
}

// UnsealedRecords returns every capture record not yet claimed by a batch,
// ordered by creation time with record_id as the stable tie-break. The order
// here is the order of the Merkle leaves in the emitted artifact.
func (db *DB) UnsealedRecords(ctx context.Context) ([]CaptureRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT record_id, shortcode, verify_url, asset_hash, capture_time_utc,
		       device_id, device_pubkey, signature, created_at_utc
		FROM capture_records
		WHERE merkle_batch_id IS NULL AND asset_hash IS NOT NULL
		ORDER BY created_at_utc ASC, record_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		if err := rows.Scan(&rec.RecordID, &rec.Shortcode, &rec.VerifyURL, &rec.AssetHash,
			&rec.CaptureTimeUTC, &rec.DeviceID, &rec.DevicePubkey, &rec.Signature,
			&rec.CreatedAtUTC); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SealRecords stamps the sealing fields on every listed record inside one
// transaction. Either all listed records move to sealed or none do.
func (db *DB) SealRecords(ctx context.Context, recordIDs []string, batchID, rootHash string, sealedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seal transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE capture_records
		SET merkle_batch_id = $1, merkle_root_hash = $2, merkle_sealed_at_utc = $3
		WHERE record_id = ANY($4) AND merkle_batch_id IS NULL
	`, batchID, rootHash, sealedAt, pq.Array(recordIDs))
	if err != nil {
		return fmt.Errorf("failed to seal records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(recordIDs)) {
		return fmt.Errorf("sealed %d of %d records, aborting batch", affected, len(recordIDs))
	}
	return tx.Commit()
}
