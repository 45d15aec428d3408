// Package attestation ingests hardware attestation certificates and keeps
// their identifying material queryable for revocation checks.
package attestation

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/pkg/logger"
)

// Store is the persistence surface the ingester needs.
type Store interface {
	GetCertificate(ctx context.Context, certHash string) (*database.AttestationCert, error)
	UpsertCertificate(ctx context.Context, cert *database.AttestationCert) error
}

// Ingester parses and stores attestation certificates.
type Ingester struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

// NewIngester creates an Ingester backed by the given store.
func NewIngester(store Store, log *logger.Logger) *Ingester {
	return &Ingester{store: store, log: log, now: time.Now}
}

// ParseCertificate decodes a PEM-encoded X.509 certificate.
func ParseCertificate(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in PEM input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// CertHash returns the SHA-256 of the certificate's DER encoding, hex.
func CertHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// SerialHex returns the certificate serial as uppercase hex without
// leading zeros, matching how CRL serials are compared.
func SerialHex(cert *x509.Certificate) string {
	return strings.ToUpper(cert.SerialNumber.Text(16))
}

// Ingest parses one PEM certificate and upserts it. Re-ingesting a known
// certificate refreshes its PEM and parsed fields but never clears its
// revocation state.
func (in *Ingester) Ingest(ctx context.Context, pemData string, metadata map[string]string) (*database.AttestationCert, error) {
	cert, err := ParseCertificate(pemData)
	if err != nil {
		return nil, err
	}

	record := &database.AttestationCert{
		CertHash:     CertHash(cert),
		PEM:          strPtr(pemData),
		CreatedAtUTC: in.now().UTC(),
		SerialNumber: strPtr(SerialHex(cert)),
		Issuer:       strPtr(cert.Issuer.String()),
	}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode certificate metadata: %w", err)
		}
		record.MetadataJSON = strPtr(string(data))
	}
	if len(cert.CRLDistributionPoints) > 0 {
		data, err := json.Marshal(cert.CRLDistributionPoints)
		if err != nil {
			return nil, fmt.Errorf("failed to encode CRL URLs: %w", err)
		}
		record.CRLURLs = strPtr(string(data))
	}

	if err := in.store.UpsertCertificate(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store certificate %s: %w", record.CertHash, err)
	}
	return record, nil
}

// IngestDir walks a directory and ingests every .pem, .crt and .cer file,
// returning the hashes of the certificates it stored. A missing directory
// is not an error; it ingests nothing.
func (in *Ingester) IngestDir(ctx context.Context, dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		in.log.Warn("Attestation seed directory does not exist", "dir", dir)
		return nil, nil
	}

	var hashes []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pem", ".crt", ".cer":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		record, err := in.Ingest(ctx, string(data), map[string]string{"source": path})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		hashes = append(hashes, record.CertHash)
		return nil
	})
	if err != nil {
		return hashes, err
	}
	if len(hashes) > 0 {
		in.log.Info("Ingested attestation certificates", "count", len(hashes), "dir", dir)
	}
	return hashes, nil
}

func strPtr(s string) *string { return &s }
