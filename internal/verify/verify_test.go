package verify

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/apierr"
	"github.com/archiveorigin/proofd/internal/auth"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/pkg/logger"
)

type fakeStore struct {
	entries map[string]*database.LedgerEntry // keyed by content hash
	certs   map[string]*database.AttestationCert
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[string]*database.LedgerEntry),
		certs:   make(map[string]*database.AttestationCert),
	}
}

func (f *fakeStore) EntryByContentHash(_ context.Context, hash string) (*database.LedgerEntry, error) {
	return f.entries[hash], nil
}

func (f *fakeStore) EntryByManifestHash(_ context.Context, hash string) (*database.LedgerEntry, error) {
	for _, entry := range f.entries {
		if entry.ManifestHash != nil && *entry.ManifestHash == hash {
			return entry, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) EntryBySignatureHash(_ context.Context, hash string) (*database.LedgerEntry, error) {
	for _, entry := range f.entries {
		if entry.DeviceSignatureHash != nil && *entry.DeviceSignatureHash == hash {
			return entry, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetCertificate(_ context.Context, hash string) (*database.AttestationCert, error) {
	return f.certs[hash], nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func hexChar(ch string) string { return strings.Repeat(ch, 64) }

func strPtr(s string) *string { return &s }

func seededStore(clock fixedClock) *fakeStore {
	store := newFakeStore()
	store.entries[hexChar("c")] = &database.LedgerEntry{
		EntryID:             "e1",
		ContentHash:         hexChar("c"),
		ManifestHash:        strPtr(hexChar("d")),
		DeviceSignatureHash: strPtr(hexChar("e")),
		AttestationCertHash: hexChar("f"),
		TimestampUTC:        clock.t.Add(-time.Hour),
		ProofLevel:          "rooted",
		CreatedAtUTC:        clock.t.Add(-time.Hour),
	}
	store.certs[hexChar("f")] = &database.AttestationCert{CertHash: hexChar("f")}
	return store
}

func engineConfig() config.VerifierConfig {
	return config.VerifierConfig{
		AllowManifestSummary:    true,
		ManifestSummaryMaxBytes: 4096,
		AllowedManifestFields:   []string{"title", "creator", "capture_time_utc", "description"},
		ReplayCacheTTLSeconds:   300,
	}
}

func matchingRequest() *Request {
	return &Request{
		ContentHash:         hexChar("c"),
		ManifestHash:        hexChar("d"),
		SignatureHash:       hexChar("e"),
		AttestationCertHash: hexChar("f"),
	}
}

func anonymous() auth.Identity {
	return auth.Identity{Name: "anonymous", AllowManifestSummary: true}
}

func newEngine(store Store, clock Clock) *Engine {
	return NewEngine(store, engineConfig(), clock, logger.New("test", "error"))
}

func TestVerifySuccess(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	result, err := e.Verify(context.Background(), matchingRequest(), map[string]any{}, anonymous())
	require.NoError(t, err)

	success, ok := result.(*SuccessResponse)
	require.True(t, ok)
	assert.Equal(t, "verified", success.Status)
	assert.Equal(t, "rooted", success.ProofLevel)
	assert.Equal(t, clock.t.Add(5*time.Minute), success.ExpiresAt)
	assert.True(t, success.VerificationDetails.LedgerMatch)
	assert.Equal(t, []string{"Ledger entry matched."}, success.VerificationDetails.Notes)
	assert.Equal(t, "e1", success.LedgerEntry.EntryID)
}

func TestVerifyLedgerMiss(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	req := matchingRequest()
	req.ContentHash = hexChar("0")
	req.ManifestHash = ""
	req.SignatureHash = ""

	result, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)
	failure, ok := result.(*FailureResponse)
	require.True(t, ok)
	assert.Equal(t, "not_verified", failure.Status)
	assert.Equal(t, "ledger_not_found", failure.Reason)
	assert.False(t, failure.Details.LedgerFound)
}

func TestVerifyRevokedCertificate(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	store := seededStore(clock)
	store.certs[hexChar("f")].Revoked = true
	e := newEngine(store, clock)

	result, err := e.Verify(context.Background(), matchingRequest(), map[string]any{}, anonymous())
	require.NoError(t, err)
	failure := result.(*FailureResponse)
	assert.Equal(t, "attestation_revoked", failure.Reason)
	assert.True(t, failure.Details.LedgerFound)
	assert.False(t, failure.Details.AttestationValid)
}

func TestVerifySignatureMismatch(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	req := matchingRequest()
	req.SignatureHash = hexChar("9")
	// Signature lookup fallback would still resolve via content hash first.
	result, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)
	failure := result.(*FailureResponse)
	assert.Equal(t, "signature_mismatch", failure.Reason)
	assert.False(t, failure.Details.SignatureValid)
}

func TestVerifyMissingSignatureWhenLedgerHasOne(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	req := matchingRequest()
	req.SignatureHash = ""
	result, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)
	failure := result.(*FailureResponse)
	assert.Equal(t, "signature_mismatch", failure.Reason)
}

func TestVerifyTimestampInFuture(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	store := seededStore(clock)
	store.entries[hexChar("c")].TimestampUTC = clock.t.Add(3 * time.Minute)
	e := newEngine(store, clock)

	result, err := e.Verify(context.Background(), matchingRequest(), map[string]any{}, anonymous())
	require.NoError(t, err)
	failure := result.(*FailureResponse)
	assert.Equal(t, "timestamp_mismatch", failure.Reason)
}

func TestVerifyAttestationTakesPriority(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	store := seededStore(clock)
	store.certs[hexChar("f")].Revoked = true
	store.entries[hexChar("c")].TimestampUTC = clock.t.Add(3 * time.Minute)
	e := newEngine(store, clock)

	req := matchingRequest()
	req.SignatureHash = hexChar("9")
	result, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)
	failure := result.(*FailureResponse)
	assert.Equal(t, "attestation_revoked", failure.Reason)
}

func TestReplayGuard(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	req := matchingRequest()
	req.ClientNonce = "n1"
	_, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)

	_, err = e.Verify(context.Background(), req, map[string]any{}, anonymous())
	apiErr, ok := apierr.From(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "replay_detected", apiErr.Detail)

	// A different nonce is a fresh request.
	req2 := matchingRequest()
	req2.ClientNonce = "n2"
	_, err = e.Verify(context.Background(), req2, map[string]any{}, anonymous())
	assert.NoError(t, err)
}

func TestReplayGuardEntriesExpire(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	cfg := engineConfig()
	cfg.ReplayCacheTTLSeconds = 1
	e := NewEngine(seededStore(clock), cfg, clock, logger.New("test", "error"))

	req := matchingRequest()
	req.ClientNonce = "n1"
	_, err := e.Verify(context.Background(), req, map[string]any{}, anonymous())
	require.NoError(t, err)

	// Once the cache entry ages out, the same nonce is accepted again.
	time.Sleep(1100 * time.Millisecond)
	_, err = e.Verify(context.Background(), req, map[string]any{}, anonymous())
	assert.NoError(t, err)
}

func TestPayloadHygiene(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		detail  string
	}{
		{"suspicious key", map[string]any{"Image": "x"}, "media_payload_not_allowed"},
		{"nested suspicious key", map[string]any{"meta": map[string]any{"blob": "x"}}, "media_payload_not_allowed"},
		{"data url", map[string]any{"note": "DATA:IMAGE/png;base64,AAAA"}, "media_payload_not_allowed"},
		{"base64 marker", map[string]any{"note": "base64,AAAA"}, "media_payload_not_allowed"},
		{"oversized string", map[string]any{"note": strings.Repeat("x", 513)}, "unexpected_field_size"},
		{"oversized in array", map[string]any{"notes": []any{strings.Repeat("x", 513)}}, "unexpected_field_size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsurePayloadSafe(tc.payload)
			apiErr, ok := apierr.From(err)
			require.True(t, ok)
			assert.Equal(t, tc.detail, apiErr.Detail)
		})
	}

	// manifest_summary strings are exempt from the length cap.
	err := EnsurePayloadSafe(map[string]any{
		"manifest_summary": map[string]any{"description": strings.Repeat("x", 600)},
	})
	assert.NoError(t, err)
}

func TestManifestSummaryRules(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	req := matchingRequest()
	req.ManifestSummary = map[string]any{"title": "x"}

	identity := anonymous()
	identity.AllowManifestSummary = false
	_, err := e.Verify(context.Background(), req, map[string]any{}, identity)
	apiErr, _ := apierr.From(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, "manifest_summary_not_allowed", apiErr.Detail)

	req.ManifestSummary = map[string]any{"publisher": "x"}
	_, err = e.Verify(context.Background(), req, map[string]any{}, anonymous())
	apiErr, _ = apierr.From(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, "manifest_summary_contains_disallowed_fields", apiErr.Detail)

	req.ManifestSummary = map[string]any{"description": strings.Repeat("x", 5000)}
	_, err = e.Verify(context.Background(), req, map[string]any{}, anonymous())
	apiErr, _ = apierr.From(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, "manifest_summary_too_large", apiErr.Detail)
}

func TestRequestValidation(t *testing.T) {
	req := &Request{ContentHash: "ABC", AttestationCertHash: hexChar("f")}
	err := req.Validate()
	apiErr, ok := apierr.From(err)
	require.True(t, ok)
	assert.Contains(t, apiErr.Detail, "content_hash")

	req = matchingRequest()
	req.ManifestHash = "zz"
	err = req.Validate()
	apiErr, ok = apierr.From(err)
	require.True(t, ok)
	assert.Contains(t, apiErr.Detail, "manifest_hash")
}

func TestLookupFallbackOrder(t *testing.T) {
	clock := fixedClock{t: time.Now().UTC()}
	e := newEngine(seededStore(clock), clock)

	// Content hash miss falls back to manifest hash.
	req := matchingRequest()
	req.ContentHash = hexChar("0")
	resp, err := e.Lookup(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "e1", resp.LedgerEntry.EntryID)

	// Manifest miss too falls back to signature hash.
	req.ManifestHash = hexChar("1")
	resp, err = e.Lookup(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "e1", resp.LedgerEntry.EntryID)

	// Nothing matches.
	req.SignatureHash = hexChar("2")
	_, err = e.Lookup(context.Background(), req)
	apiErr, ok := apierr.From(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "ledger_not_found", apiErr.Detail)
}
