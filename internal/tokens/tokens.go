// Package tokens implements device enrolment, bearer token lifecycle and
// lock-proof authorization.
package tokens

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/apierr"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/internal/devicecheck"
	"github.com/archiveorigin/proofd/pkg/logger"
)

// Store is the persistence surface the service needs.
type Store interface {
	GetDeviceToken(ctx context.Context, deviceID string) (*database.DeviceToken, error)
	UpsertDeviceToken(ctx context.Context, tok *database.DeviceToken) error
	InsertCaptureRecord(ctx context.Context, rec *database.CaptureRecord) error
}

// DeviceChecker validates platform device tokens during enrolment.
type DeviceChecker interface {
	ValidateToken(ctx context.Context, deviceToken string) (devicecheck.Result, error)
}

// Service owns enrolment and lock-proof writes.
type Service struct {
	store        Store
	cfg          config.TokenConfig
	devicecheck  DeviceChecker
	dcEnabled    bool
	allowBundles []string
	log          *logger.Logger
	now          func() time.Time
}

// New builds a Service. checker may be nil when DeviceCheck is disabled.
func New(store Store, cfg config.TokenConfig, dcCfg config.DeviceCheckConfig, checker DeviceChecker, log *logger.Logger) *Service {
	return &Service{
		store:        store,
		cfg:          cfg,
		devicecheck:  checker,
		dcEnabled:    dcCfg.Enabled,
		allowBundles: dcCfg.AllowedBundleIDs,
		log:          log,
		now:          time.Now,
	}
}

// EnrollRequest is the device enrolment payload.
type EnrollRequest struct {
	DeviceID         string  `json:"device_id" binding:"required"`
	PublicKey        string  `json:"public_key" binding:"required"`
	Platform         *string `json:"platform"`
	AppVersion       *string `json:"app_version"`
	CurrentToken     string  `json:"current_token"`
	Force            bool    `json:"force"`
	DeviceCheckToken string  `json:"devicecheck_token"`
	BundleID         string  `json:"bundle_id"`
}

// EnrollResponse carries the issued (or reused) bearer token.
type EnrollResponse struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidatePublicKey reports whether a key has the form ed25519:<base64>.
func ValidatePublicKey(publicKey string) bool {
	body, ok := strings.CutPrefix(publicKey, "ed25519:")
	if !ok || body == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(body)
	return err == nil
}

// VerifySignature checks an ed25519_sig:<base64> signature over message
// against an ed25519:<base64> public key.
func VerifySignature(publicKey string, message []byte, signature string) bool {
	pubB64, ok := strings.CutPrefix(publicKey, "ed25519:")
	if !ok {
		return false
	}
	sigB64, ok := strings.CutPrefix(signature, "ed25519_sig:")
	if !ok {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// newToken returns a fresh URL-safe bearer token with 64 bytes of entropy.
func newToken() (string, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to sample token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

const shortcodeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// assetHashPattern is the only leaf format the sealer accepts; a record
// stored with anything else would fail every subsequent batch pass.
var assetHashPattern = regexp.MustCompile(`^sha256:[0-9a-fA-F]{64}$`)

// newShortcode samples a 6-char alphanumeric shortcode.
func newShortcode() (string, error) {
	out := make([]byte, 6)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(shortcodeAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = shortcodeAlphabet[n.Int64()]
	}
	return string(out), nil
}

func (s *Service) enforceDeviceCheck(ctx context.Context, req *EnrollRequest) error {
	if !s.dcEnabled {
		return nil
	}
	if req.DeviceCheckToken == "" {
		return apierr.New(http.StatusBadRequest, "devicecheck_token_required")
	}
	if _, err := base64.StdEncoding.DecodeString(req.DeviceCheckToken); err != nil {
		return apierr.New(http.StatusBadRequest, "devicecheck_token must be valid base64")
	}
	if len(s.allowBundles) > 0 {
		if req.BundleID == "" {
			return apierr.New(http.StatusBadRequest, "bundle_id_required")
		}
		allowed := false
		for _, id := range s.allowBundles {
			if id == req.BundleID {
				allowed = true
				break
			}
		}
		if !allowed {
			return apierr.New(http.StatusForbidden, "bundle_id_not_allowed")
		}
	}
	result, err := s.devicecheck.ValidateToken(ctx, req.DeviceCheckToken)
	if err != nil {
		s.log.Warn("DeviceCheck call failed", "device_id", req.DeviceID, "error", err.Error())
		return apierr.New(http.StatusForbidden, "devicecheck_unavailable")
	}
	if !result.Valid {
		s.log.Warn("DeviceCheck validation failed", "device_id", req.DeviceID, "reason", result.Reason)
		return apierr.New(http.StatusForbidden, "devicecheck_"+result.Reason)
	}
	return nil
}

// Enroll issues, reuses or rotates the bearer token for a device.
func (s *Service) Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error) {
	if !ValidatePublicKey(req.PublicKey) {
		return nil, apierr.New(http.StatusBadRequest, "public_key must be 'ed25519:<base64>'")
	}
	if err := s.enforceDeviceCheck(ctx, req); err != nil {
		return nil, err
	}

	existing, err := s.store.GetDeviceToken(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device token: %w", err)
	}

	now := s.now().UTC()
	if existing != nil && !req.Force {
		if req.CurrentToken == "" || req.CurrentToken != existing.Token {
			return nil, apierr.New(http.StatusForbidden, "current_token required and must match existing token")
		}
		withinBuffer := existing.ExpiresAt.Sub(now) <= time.Duration(s.cfg.RenewalBufferSeconds)*time.Second
		if !existing.ForceRenewalRequired && !withinBuffer {
			return &EnrollResponse{Token: existing.Token, IssuedAt: existing.IssuedAt, ExpiresAt: existing.ExpiresAt}, nil
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	record := &database.DeviceToken{
		DeviceID:   req.DeviceID,
		Token:      token,
		PublicKey:  req.PublicKey,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Duration(s.cfg.TTLSeconds) * time.Second),
	}
	if err := s.store.UpsertDeviceToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store device token: %w", err)
	}
	s.log.Info("Enrolled device", "device_id", req.DeviceID, "expires_at", record.ExpiresAt)
	return &EnrollResponse{Token: token, IssuedAt: record.IssuedAt, ExpiresAt: record.ExpiresAt}, nil
}

// GeoPoint is the optional capture location.
type GeoPoint struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m"`
}

// LockProofRequest is the capture record payload.
type LockProofRequest struct {
	DeviceID       string    `json:"device_id" binding:"required"`
	DevicePubkey   string    `json:"device_pubkey" binding:"required"`
	AssetHash      string    `json:"asset_hash" binding:"required"`
	CaptureTimeUTC string    `json:"capture_time_utc" binding:"required"`
	Signature      string    `json:"signature" binding:"required"`
	Geo            *GeoPoint `json:"geo"`
}

// MerkleStatus mirrors the sealing fields on a capture record.
type MerkleStatus struct {
	BatchID     *string    `json:"batch_id"`
	RootHash    *string    `json:"root_hash"`
	SealedAtUTC *time.Time `json:"sealed_at_utc"`
}

// LockProofResponse confirms a persisted capture record.
type LockProofResponse struct {
	Status    string       `json:"status"`
	RecordID  string       `json:"record_id"`
	Shortcode string       `json:"shortcode"`
	VerifyURL string       `json:"verify_url"`
	Merkle    MerkleStatus `json:"merkle"`
}

// LockProof validates the bearer credentials and persists a capture record
// with sealing fields unset.
func (s *Service) LockProof(ctx context.Context, req *LockProofRequest, bearerToken, headerDeviceID, headerPubkey string) (*LockProofResponse, error) {
	if bearerToken == "" {
		return nil, apierr.New(http.StatusUnauthorized, "Missing or invalid Authorization header")
	}
	if headerDeviceID == "" || headerPubkey == "" {
		return nil, apierr.New(http.StatusBadRequest, "Missing X-Device-ID or X-Device-PublicKey headers")
	}
	if req.DeviceID != headerDeviceID || req.DevicePubkey != headerPubkey {
		return nil, apierr.New(http.StatusBadRequest, "device_id/public_key mismatch between headers and body")
	}
	if !assetHashPattern.MatchString(req.AssetHash) {
		return nil, apierr.New(http.StatusBadRequest, `asset_hash must be "sha256:<64 hex>"`)
	}

	dev, err := s.store.GetDeviceToken(ctx, headerDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device token: %w", err)
	}
	if dev == nil || dev.Token != bearerToken {
		s.log.Warn("Auth failure: bad token", "device_id", headerDeviceID)
		return nil, apierr.New(http.StatusForbidden, "Invalid token or device")
	}
	if dev.PublicKey != headerPubkey {
		s.log.Warn("Auth failure: pubkey mismatch", "device_id", headerDeviceID)
		return nil, apierr.New(http.StatusForbidden, "Public key mismatch")
	}
	if !dev.ExpiresAt.After(s.now().UTC()) {
		return nil, apierr.New(http.StatusUnauthorized, "Token expired")
	}

	if s.cfg.VerifySignatures {
		msg := []byte(req.AssetHash + "|" + req.CaptureTimeUTC)
		if !VerifySignature(headerPubkey, msg, req.Signature) {
			return nil, apierr.New(http.StatusBadRequest, "Invalid signature")
		}
	}

	captureTime, err := parseISO(req.CaptureTimeUTC)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, "Invalid capture_time_utc")
	}

	recordID := uuid.NewString()
	shortcode, err := newShortcode()
	if err != nil {
		return nil, err
	}
	verifyURL := strings.TrimRight(s.cfg.VerifyBaseURL, "/") + "/v/" + recordID

	rec := &database.CaptureRecord{
		RecordID:       recordID,
		Shortcode:      shortcode,
		VerifyURL:      verifyURL,
		AssetHash:      req.AssetHash,
		CaptureTimeUTC: captureTime,
		DeviceID:       req.DeviceID,
		DevicePubkey:   req.DevicePubkey,
		Signature:      req.Signature,
		CreatedAtUTC:   s.now().UTC(),
	}
	if req.Geo != nil {
		rec.GeoLat = strPtr(fmt.Sprintf("%g", req.Geo.Lat))
		rec.GeoLon = strPtr(fmt.Sprintf("%g", req.Geo.Lon))
		rec.GeoAccuracyM = strPtr(fmt.Sprintf("%g", req.Geo.AccuracyM))
	}
	if err := s.store.InsertCaptureRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store capture record: %w", err)
	}

	s.log.Info("Locked capture record", "record_id", recordID, "device_id", req.DeviceID)
	return &LockProofResponse{
		Status:    "LOCKED",
		RecordID:  recordID,
		Shortcode: shortcode,
		VerifyURL: verifyURL,
	}, nil
}

// parseISO accepts ISO-8601 timestamps with either a Z or numeric offset.
func parseISO(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func strPtr(s string) *string { return &s }
