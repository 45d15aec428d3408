package crl

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/pkg/logger"
)

type fakeStore struct {
	urls    []string
	revoked []string
	flipped int
}

func (f *fakeStore) CertificateCRLURLs(context.Context) ([]string, error) {
	return f.urls, nil
}

func (f *fakeStore) RevokeCertificatesBySerials(_ context.Context, serials []string, _ time.Time) (int, error) {
	f.revoked = append(f.revoked, serials...)
	return f.flipped, nil
}

func testCRL(t *testing.T, serials ...int64) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuerTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "crl issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	issuerDER, err := x509.CreateCertificate(rand.Reader, issuerTemplate, issuerTemplate, &key.PublicKey, key)
	require.NoError(t, err)
	issuer, err := x509.ParseCertificate(issuerDER)
	require.NoError(t, err)

	var entries []x509.RevocationListEntry
	for _, serial := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(serial),
			RevocationTime: time.Now(),
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer, key)
	require.NoError(t, err)
	return der
}

func newRefresher(store *fakeStore, sources []string) *Refresher {
	cfg := config.CRLConfig{Sources: sources, RequestTimeout: 2 * time.Second}
	return New(store, cfg, logger.New("test", "error"))
}

func TestRefreshCollectsSerials(t *testing.T) {
	crlDER := testCRL(t, 0xA1, 0xB2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(crlDER)
	}))
	defer srv.Close()

	store := &fakeStore{flipped: 1}
	report, err := newRefresher(store, []string{srv.URL}).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Revoked)

	sort.Strings(store.revoked)
	assert.Equal(t, []string{"A1", "B2"}, store.revoked)
}

func TestRefreshSkipsFailingSource(t *testing.T) {
	crlDER := testCRL(t, 5)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(crlDER)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	store := &fakeStore{}
	report, err := newRefresher(store, []string{bad.URL, good.URL}).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{"5"}, store.revoked)
}

func TestRefreshMergesStoredURLs(t *testing.T) {
	crlDER := testCRL(t, 9)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Write(crlDER)
	}))
	defer srv.Close()

	// Same URL from config and from stored certs is fetched once.
	store := &fakeStore{urls: []string{srv.URL}}
	report, err := newRefresher(store, []string{srv.URL}).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, hits)
}

func TestRefreshNoSources(t *testing.T) {
	store := &fakeStore{}
	report, err := newRefresher(store, nil).Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, report.Revoked)
	assert.Empty(t, store.revoked)
}
