package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/pkg/logger"
)

type fakeStore struct {
	certs map[string]*database.AttestationCert
}

func newFakeStore() *fakeStore {
	return &fakeStore{certs: make(map[string]*database.AttestationCert)}
}

func (f *fakeStore) GetCertificate(_ context.Context, hash string) (*database.AttestationCert, error) {
	return f.certs[hash], nil
}

func (f *fakeStore) UpsertCertificate(_ context.Context, cert *database.AttestationCert) error {
	if existing, ok := f.certs[cert.CertHash]; ok {
		existing.PEM = cert.PEM
		existing.SerialNumber = cert.SerialNumber
		existing.Issuer = cert.Issuer
		if cert.MetadataJSON != nil {
			existing.MetadataJSON = cert.MetadataJSON
		}
		if cert.CRLURLs != nil {
			existing.CRLURLs = cert.CRLURLs
		}
		return nil
	}
	stored := *cert
	f.certs[cert.CertHash] = &stored
	return nil
}

func testCertPEM(t *testing.T, serial int64, crlURLs []string) (string, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: "device attestation"},
		Issuer:                pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		CRLDistributionPoints: crlURLs,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return string(pemData), cert
}

func TestIngestCertificate(t *testing.T) {
	pemData, cert := testCertPEM(t, 0xABCD, []string{"https://crl.example/root.crl"})
	store := newFakeStore()
	in := NewIngester(store, logger.New("test", "error"))

	record, err := in.Ingest(context.Background(), pemData, map[string]string{"source": "unit"})
	require.NoError(t, err)

	sum := sha256.Sum256(cert.Raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), record.CertHash)
	assert.Equal(t, "ABCD", *record.SerialNumber)
	require.NotNil(t, record.CRLURLs)
	assert.Contains(t, *record.CRLURLs, "https://crl.example/root.crl")
	require.NotNil(t, record.Issuer)
	assert.Contains(t, *record.Issuer, "device attestation")

	stored, err := store.GetCertificate(context.Background(), record.CertHash)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Revoked)
}

func TestReingestKeepsRevocationState(t *testing.T) {
	pemData, cert := testCertPEM(t, 7, nil)
	store := newFakeStore()
	in := NewIngester(store, logger.New("test", "error"))

	_, err := in.Ingest(context.Background(), pemData, nil)
	require.NoError(t, err)

	sum := sha256.Sum256(cert.Raw)
	hash := hex.EncodeToString(sum[:])
	store.certs[hash].Revoked = true

	_, err = in.Ingest(context.Background(), pemData, nil)
	require.NoError(t, err)
	assert.True(t, store.certs[hash].Revoked)
}

func TestIngestRejectsGarbage(t *testing.T) {
	in := NewIngester(newFakeStore(), logger.New("test", "error"))
	_, err := in.Ingest(context.Background(), "not a certificate", nil)
	assert.Error(t, err)
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	pemA, _ := testCertPEM(t, 1, nil)
	pemB, _ := testCertPEM(t, 2, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pem"), []byte(pemA), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.crt"), []byte(pemB), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600))

	store := newFakeStore()
	in := NewIngester(store, logger.New("test", "error"))
	hashes, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Len(t, store.certs, 2)
}

func TestIngestDirMissing(t *testing.T) {
	in := NewIngester(newFakeStore(), logger.New("test", "error"))
	hashes, err := in.IngestDir(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
