// Package verify evaluates provenance claims against the anchored ledger.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/apierr"
	"github.com/archiveorigin/proofd/internal/auth"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/pkg/logger"
)

const (
	maxStringLength = 512
	maxNotes        = 4
	replayCacheSize = 50000

	// The ledger clock may not lead trusted time by more than this.
	maxFutureSkew = 120 * time.Second

	verdictTTL = 5 * time.Minute
)

var (
	hex64          = regexp.MustCompile(`^[0-9a-f]{64}$`)
	suspiciousKeys = map[string]struct{}{
		"media": {}, "file": {}, "binary": {}, "payload": {},
		"image": {}, "video": {}, "audio": {}, "blob": {},
	}
)

// Store is the persistence surface the engine needs.
type Store interface {
	EntryByContentHash(ctx context.Context, hash string) (*database.LedgerEntry, error)
	EntryByManifestHash(ctx context.Context, hash string) (*database.LedgerEntry, error)
	EntryBySignatureHash(ctx context.Context, hash string) (*database.LedgerEntry, error)
	GetCertificate(ctx context.Context, certHash string) (*database.AttestationCert, error)
}

// Clock provides trusted time for skew checks.
type Clock interface {
	Now() time.Time
}

// Engine runs verification and ledger lookups.
type Engine struct {
	store  Store
	cfg    config.VerifierConfig
	clock  Clock
	log    *logger.Logger
	mu     sync.Mutex
	replay *expirable.LRU[string, struct{}]
}

// NewEngine builds an Engine with a TTL-bounded replay cache.
func NewEngine(store Store, cfg config.VerifierConfig, clock Clock, log *logger.Logger) *Engine {
	ttl := time.Duration(cfg.ReplayCacheTTLSeconds) * time.Second
	return &Engine{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		log:    log,
		replay: expirable.NewLRU[string, struct{}](replayCacheSize, nil, ttl),
	}
}

// Request is the verification payload. Requiredness of content_hash and
// attestation_cert_hash is enforced where the body is decoded.
type Request struct {
	ContentHash         string         `json:"content_hash"`
	ManifestHash        string         `json:"manifest_hash"`
	AttestationCertHash string         `json:"attestation_cert_hash"`
	SignatureHash       string         `json:"signature_hash"`
	ManifestSummary     map[string]any `json:"manifest_summary"`
	ClientNonce         string         `json:"client_nonce"`
	ClientVersion       string         `json:"client_version"`
}

// Validate enforces the hash formats and nonce bounds.
func (r *Request) Validate() error {
	r.ClientNonce = strings.TrimSpace(r.ClientNonce)
	if len(r.ClientNonce) > 128 {
		return apierr.New(http.StatusBadRequest, "client_nonce too long")
	}
	if len(r.ClientVersion) > 64 {
		return apierr.New(http.StatusBadRequest, "client_version too long")
	}
	for name, value := range map[string]string{
		"content_hash":          r.ContentHash,
		"attestation_cert_hash": r.AttestationCertHash,
	} {
		if !hex64.MatchString(value) {
			return apierr.New(http.StatusBadRequest, name+" must be 64 lowercase hex characters")
		}
	}
	for name, value := range map[string]string{
		"manifest_hash":  r.ManifestHash,
		"signature_hash": r.SignatureHash,
	} {
		if value != "" && !hex64.MatchString(value) {
			return apierr.New(http.StatusBadRequest, name+" must be 64 lowercase hex characters")
		}
	}
	return nil
}

// LedgerEntryView is the wire shape of an anchored entry.
type LedgerEntryView struct {
	EntryID             string         `json:"entry_id"`
	Timestamp           time.Time      `json:"timestamp"`
	AttestationCertHash string         `json:"attestation_cert_hash"`
	DeviceSignatureHash *string        `json:"device_signature_hash"`
	ProofLevel          string         `json:"proof_level"`
	MerkleRoot          *string        `json:"merkle_root"`
	MerkleProof         map[string]any `json:"merkle_proof"`
	SourcedFrom         *string        `json:"sourced_from"`
}

// SuccessDetails accompany a verified verdict.
type SuccessDetails struct {
	SignatureValid   bool     `json:"signature_valid"`
	AttestationValid bool     `json:"attestation_valid"`
	LedgerMatch      bool     `json:"ledger_match"`
	Notes            []string `json:"notes"`
}

// SuccessResponse is the verified verdict.
type SuccessResponse struct {
	Status              string          `json:"status"`
	ContentHash         string          `json:"content_hash"`
	LedgerEntry         LedgerEntryView `json:"ledger_entry"`
	VerificationDetails SuccessDetails  `json:"verification_details"`
	ProofLevel          string          `json:"proof_level"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// FailureDetails accompany a not_verified verdict.
type FailureDetails struct {
	LedgerFound      bool `json:"ledger_found"`
	SignatureValid   bool `json:"signature_valid"`
	AttestationValid bool `json:"attestation_valid"`
}

// FailureResponse is the not_verified verdict.
type FailureResponse struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason"`
	Details FailureDetails `json:"details"`
}

// LookupResponse wraps a raw ledger entry fetch.
type LookupResponse struct {
	Status      string          `json:"status"`
	LedgerEntry LedgerEntryView `json:"ledger_entry"`
}

// EnsurePayloadSafe walks a decoded JSON tree and rejects media smuggling
// attempts: suspicious keys, embedded data URLs and oversized strings.
// manifest_summary strings are exempt from the length cap; the summary has
// its own byte budget.
func EnsurePayloadSafe(payload map[string]any) error {
	return walkPayload(payload, false)
}

func walkPayload(node map[string]any, inSummary bool) error {
	for key, value := range node {
		normalized := strings.ToLower(key)
		if _, bad := suspiciousKeys[normalized]; bad {
			return apierr.New(http.StatusBadRequest, "media_payload_not_allowed")
		}
		exempt := inSummary || normalized == "manifest_summary"
		if err := checkValue(value, exempt); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(value any, inSummary bool) error {
	switch v := value.(type) {
	case string:
		lowered := strings.ToLower(v)
		if strings.Contains(lowered, "data:image") || strings.Contains(lowered, "base64,") {
			return apierr.New(http.StatusBadRequest, "media_payload_not_allowed")
		}
		if len(v) > maxStringLength && !inSummary {
			return apierr.New(http.StatusBadRequest, "unexpected_field_size")
		}
	case []byte:
		return apierr.New(http.StatusBadRequest, "binary_payload_not_allowed")
	case map[string]any:
		return walkPayload(v, inSummary)
	case []any:
		for _, item := range v {
			if err := checkValue(item, inSummary); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateManifestSummary enforces the per-key allow list and size cap.
func (e *Engine) validateManifestSummary(summary map[string]any, allowed bool) error {
	if summary == nil {
		return nil
	}
	if !allowed {
		return apierr.New(http.StatusBadRequest, "manifest_summary_not_allowed")
	}
	permitted := make(map[string]struct{}, len(e.cfg.AllowedManifestFields))
	for _, field := range e.cfg.AllowedManifestFields {
		permitted[field] = struct{}{}
	}
	for key := range summary {
		if _, ok := permitted[key]; !ok {
			return apierr.New(http.StatusBadRequest, "manifest_summary_contains_disallowed_fields")
		}
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return apierr.New(http.StatusBadRequest, "manifest_summary_not_allowed")
	}
	if len(encoded) > e.cfg.ManifestSummaryMaxBytes {
		return apierr.New(http.StatusBadRequest, "manifest_summary_too_large")
	}
	return nil
}

// enforceReplayGuard rejects a repeated (nonce, content_hash) within the
// cache TTL.
func (e *Engine) enforceReplayGuard(req *Request) error {
	digest := req.ContentHash
	if req.ClientNonce != "" {
		digest = req.ClientNonce + ":" + req.ContentHash
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.replay.Get(digest); seen {
		return apierr.New(http.StatusTooManyRequests, "replay_detected")
	}
	e.replay.Add(digest, struct{}{})
	return nil
}

// lookup tries content hash, then manifest hash, then signature hash.
func (e *Engine) lookup(ctx context.Context, req *Request) (*database.LedgerEntry, error) {
	entry, err := e.store.EntryByContentHash(ctx, req.ContentHash)
	if err != nil || entry != nil {
		return entry, err
	}
	if req.ManifestHash != "" {
		entry, err = e.store.EntryByManifestHash(ctx, req.ManifestHash)
		if err != nil || entry != nil {
			return entry, err
		}
	}
	if req.SignatureHash != "" {
		return e.store.EntryBySignatureHash(ctx, req.SignatureHash)
	}
	return nil, nil
}

func (e *Engine) verifyAttestation(ctx context.Context, req *Request, entry *database.LedgerEntry, notes *[]string) (bool, error) {
	if req.AttestationCertHash != entry.AttestationCertHash {
		*notes = append(*notes, "attestation hash mismatch")
		return false, nil
	}
	cert, err := e.store.GetCertificate(ctx, entry.AttestationCertHash)
	if err != nil {
		return false, err
	}
	if cert == nil {
		*notes = append(*notes, "certificate_missing")
		return false, nil
	}
	if cert.Revoked {
		*notes = append(*notes, "certificate_revoked")
		return false, nil
	}
	return true, nil
}

func verifySignature(req *Request, entry *database.LedgerEntry, notes *[]string) bool {
	if entry.DeviceSignatureHash != nil && req.SignatureHash != "" {
		if *entry.DeviceSignatureHash != req.SignatureHash {
			*notes = append(*notes, "signature_hash_mismatch")
			return false
		}
		return true
	}
	if entry.DeviceSignatureHash != nil && req.SignatureHash == "" {
		*notes = append(*notes, "missing_signature_hash")
		return false
	}
	// Ledger stored no signature hash: unknown but not blocking.
	return true
}

func verifyManifest(req *Request, entry *database.LedgerEntry, notes *[]string) bool {
	if req.ManifestHash != "" && entry.ManifestHash != nil && req.ManifestHash != *entry.ManifestHash {
		*notes = append(*notes, "manifest_hash_mismatch")
		return false
	}
	return true
}

func (e *Engine) verifyTimestamp(entry *database.LedgerEntry, notes *[]string) bool {
	if entry.TimestampUTC.Sub(e.clock.Now()) > maxFutureSkew {
		*notes = append(*notes, "timestamp_in_future")
		return false
	}
	return true
}

func entryView(entry *database.LedgerEntry) LedgerEntryView {
	view := LedgerEntryView{
		EntryID:             entry.EntryID,
		Timestamp:           entry.TimestampUTC,
		AttestationCertHash: entry.AttestationCertHash,
		DeviceSignatureHash: entry.DeviceSignatureHash,
		ProofLevel:          entry.ProofLevel,
		MerkleRoot:          entry.MerkleRoot,
		SourcedFrom:         entry.SourcedFrom,
	}
	if entry.MerkleProof != nil {
		var proof map[string]any
		if err := json.Unmarshal([]byte(*entry.MerkleProof), &proof); err == nil {
			view.MerkleProof = proof
		}
	}
	return view
}

// Verify runs the full pipeline: hygiene, summary check, replay guard,
// lookup, predicates, verdict. rawPayload is the decoded request body used
// for the hygiene walk.
func (e *Engine) Verify(ctx context.Context, req *Request, rawPayload map[string]any, identity auth.Identity) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := EnsurePayloadSafe(rawPayload); err != nil {
		return nil, err
	}
	if err := e.validateManifestSummary(req.ManifestSummary, identity.AllowManifestSummary); err != nil {
		return nil, err
	}
	if err := e.enforceReplayGuard(req); err != nil {
		return nil, err
	}

	entry, err := e.lookup(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if entry == nil {
		return &FailureResponse{
			Status: "not_verified",
			Reason: "ledger_not_found",
			Details: FailureDetails{
				LedgerFound:      false,
				SignatureValid:   false,
				AttestationValid: false,
			},
		}, nil
	}

	var notes []string
	ledgerMatch := entry.ContentHash == req.ContentHash
	if !ledgerMatch {
		notes = append(notes, "content_hash_mismatch")
	}
	attestationOK, err := e.verifyAttestation(ctx, req, entry, &notes)
	if err != nil {
		return nil, fmt.Errorf("attestation check failed: %w", err)
	}
	signatureOK := verifySignature(req, entry, &notes)
	manifestOK := verifyManifest(req, entry, &notes)
	timestampOK := e.verifyTimestamp(entry, &notes)

	if !(ledgerMatch && attestationOK && signatureOK && manifestOK && timestampOK) {
		reason := "ledger_not_found"
		switch {
		case !attestationOK:
			reason = "attestation_revoked"
		case !signatureOK || !manifestOK:
			reason = "signature_mismatch"
		case !timestampOK:
			reason = "timestamp_mismatch"
		}
		e.log.Info("Verification failed", "reason", reason, "client", identity.Name)
		return &FailureResponse{
			Status: "not_verified",
			Reason: reason,
			Details: FailureDetails{
				LedgerFound:      true,
				SignatureValid:   signatureOK && manifestOK,
				AttestationValid: attestationOK,
			},
		}, nil
	}

	if len(notes) == 0 {
		notes = []string{"Ledger entry matched."}
	} else if len(notes) > maxNotes {
		notes = notes[:maxNotes]
	}
	proofLevel := entry.ProofLevel
	switch proofLevel {
	case "basic", "attested", "rooted":
	default:
		proofLevel = "basic"
	}
	return &SuccessResponse{
		Status:              "verified",
		ContentHash:         req.ContentHash,
		LedgerEntry:         entryView(entry),
		VerificationDetails: SuccessDetails{
			SignatureValid:   true,
			AttestationValid: true,
			LedgerMatch:      true,
			Notes:            notes,
		},
		ProofLevel: proofLevel,
		ExpiresAt:  e.clock.Now().Add(verdictTTL),
	}, nil
}

// Lookup returns the raw ledger entry for a payload, or a 404 error.
func (e *Engine) Lookup(ctx context.Context, req *Request) (*LookupResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	entry, err := e.lookup(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if entry == nil {
		return nil, apierr.New(http.StatusNotFound, "ledger_not_found")
	}
	return &LookupResponse{Status: "ok", LedgerEntry: entryView(entry)}, nil
}
