package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// LedgerEntry is one anchored provenance entry. All hash columns are
// 64-char lowercase hex.
type LedgerEntry struct {
	EntryID             string
	ContentHash         string
	ManifestHash        *string
	DeviceSignatureHash *string
	AttestationCertHash string
	TimestampUTC        time.Time
	ProofLevel          string
	MerkleRoot          *string
	MerkleProof         *string
	EntryHash           string
	CreatedAtUTC        time.Time
	SourcedFrom         *string
}

// ComputeEntryHash derives the tamper-evident hash of an entry from its
// normalized fields: SHA-256 over compact sorted-keys JSON. Optional fields
// that are unset are serialized as null so the encoding is stable.
func ComputeEntryHash(e *LedgerEntry) string {
	normalized := map[string]any{
		"entry_id":              e.EntryID,
		"content_hash":          e.ContentHash,
		"manifest_hash":         e.ManifestHash,
		"device_signature_hash": e.DeviceSignatureHash,
		"attestation_cert_hash": e.AttestationCertHash,
		"timestamp_utc":         e.TimestampUTC.UTC().Format(time.RFC3339Nano),
		"proof_level":           e.ProofLevel,
	}
	// encoding/json sorts map keys, so this encoding is canonical.
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InsertLedgerEntry persists a ledger entry, filling in entry_hash when the
// caller has not supplied one.
func (db *DB) InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.EntryHash == "" {
		entry.EntryHash = ComputeEntryHash(entry)
	}
	if entry.ProofLevel == "" {
		entry.ProofLevel = "basic"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, content_hash, manifest_hash,
			device_signature_hash, attestation_cert_hash, timestamp_utc,
			proof_level, merkle_root, merkle_proof, entry_hash,
			created_at_utc, sourced_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.EntryID, entry.ContentHash, entry.ManifestHash,
		entry.DeviceSignatureHash, entry.AttestationCertHash, entry.TimestampUTC,
		entry.ProofLevel, entry.MerkleRoot, entry.MerkleProof, entry.EntryHash,
		entry.CreatedAtUTC, entry.SourcedFrom)
	return err
}

// EntryByContentHash returns the entry anchored for a content hash, or
// (nil, nil) when none exists.
func (db *DB) EntryByContentHash(ctx context.Context, hash string) (*LedgerEntry, error) {
	return db.entryWhere(ctx, "content_hash", hash)
}

// EntryByManifestHash returns the entry anchored for a manifest hash.
func (db *DB) EntryByManifestHash(ctx context.Context, hash string) (*LedgerEntry, error) {
	return db.entryWhere(ctx, "manifest_hash", hash)
}

// EntryBySignatureHash returns the entry anchored for a device signature hash.
func (db *DB) EntryBySignatureHash(ctx context.Context, hash string) (*LedgerEntry, error) {
	return db.entryWhere(ctx, "device_signature_hash", hash)
}

func (db *DB) entryWhere(ctx context.Context, column, hash string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := db.QueryRowContext(ctx, `
		SELECT entry_id, content_hash, manifest_hash, device_signature_hash,
		       attestation_cert_hash, timestamp_utc, proof_level, merkle_root,
		       merkle_proof, entry_hash, created_at_utc, sourced_from
		FROM ledger_entries
		WHERE `+column+` = $1
		ORDER BY created_at_utc DESC
		LIMIT 1
	`, hash).Scan(
		&e.EntryID, &e.ContentHash, &e.ManifestHash, &e.DeviceSignatureHash,
		&e.AttestationCertHash, &e.TimestampUTC, &e.ProofLevel, &e.MerkleRoot,
		&e.MerkleProof, &e.EntryHash, &e.CreatedAtUTC, &e.SourcedFrom,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
