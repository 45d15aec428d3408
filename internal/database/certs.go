package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// AttestationCert is one ingested hardware attestation certificate.
// cert_hash is the SHA-256 of the DER encoding, hex.
type AttestationCert struct {
	CertHash         string
	PEM              *string
	MetadataJSON     *string
	Revoked          bool
	RevokedAt        *time.Time
	RevocationReason *string
	CreatedAtUTC     time.Time
	SerialNumber     *string
	Issuer           *string
	CRLURLs          *string
	LastCheckedAt    *time.Time
}

// GetCertificate fetches a certificate by hash, returning (nil, nil) when
// the hash is unknown.
func (db *DB) GetCertificate(ctx context.Context, certHash string) (*AttestationCert, error) {
	var cert AttestationCert
	err := db.QueryRowContext(ctx, `
		SELECT cert_hash, pem, metadata_json, revoked, revoked_at,
		       revocation_reason, created_at_utc, serial_number, issuer,
		       crl_urls, last_checked_at
		FROM attestation_certs
		WHERE cert_hash = $1
	`, certHash).Scan(
		&cert.CertHash, &cert.PEM, &cert.MetadataJSON, &cert.Revoked, &cert.RevokedAt,
		&cert.RevocationReason, &cert.CreatedAtUTC, &cert.SerialNumber, &cert.Issuer,
		&cert.CRLURLs, &cert.LastCheckedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// UpsertCertificate inserts a certificate or refreshes the mutable columns
// of an existing row. Revocation state and created_at_utc are never touched
// by re-ingestion; metadata and crl_urls are only replaced when the new
// value is non-NULL.
func (db *DB) UpsertCertificate(ctx context.Context, cert *AttestationCert) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO attestation_certs (cert_hash, pem, metadata_json, revoked,
			created_at_utc, serial_number, issuer, crl_urls)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6, $7)
		ON CONFLICT (cert_hash) DO UPDATE SET
			pem = EXCLUDED.pem,
			metadata_json = COALESCE(EXCLUDED.metadata_json, attestation_certs.metadata_json),
			serial_number = EXCLUDED.serial_number,
			issuer = EXCLUDED.issuer,
			crl_urls = COALESCE(EXCLUDED.crl_urls, attestation_certs.crl_urls)
	`, cert.CertHash, cert.PEM, cert.MetadataJSON,
		cert.CreatedAtUTC, cert.SerialNumber, cert.Issuer, cert.CRLURLs)
	return err
}

// CertificateCRLURLs collects the distinct CRL distribution URLs stored on
// ingested certificates. Each column holds a JSON array of URLs.
func (db *DB) CertificateCRLURLs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT crl_urls FROM attestation_certs WHERE crl_urls IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var urls []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			continue
		}
		for _, url := range parsed {
			if url == "" {
				continue
			}
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			urls = append(urls, url)
		}
	}
	return urls, rows.Err()
}

// RevokeCertificatesBySerials marks every certificate whose serial appears
// in a fetched CRL as revoked and returns how many flipped on this pass.
// Already-revoked certificates only get their last_checked_at bumped.
func (db *DB) RevokeCertificatesBySerials(ctx context.Context, serials []string, checkedAt time.Time) (int, error) {
	if len(serials) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE attestation_certs
		SET revoked = TRUE, revoked_at = $1, revocation_reason = 'crl_revoked',
		    last_checked_at = $1
		WHERE serial_number = ANY($2) AND NOT revoked
	`, checkedAt, pq.Array(serials))
	if err != nil {
		return 0, err
	}
	revoked, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attestation_certs
		SET last_checked_at = $1
		WHERE serial_number = ANY($2) AND revoked
	`, checkedAt, pq.Array(serials)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(revoked), nil
}
