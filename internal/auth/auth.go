// Package auth authenticates verifier requests via API keys and HMAC
// request signing.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/apierr"
)

// WindowSeconds bounds acceptable clock skew on signed requests.
const WindowSeconds = 300

// Identity is the resolved caller of a verifier request.
type Identity struct {
	APIKey               string
	Name                 string
	Authenticated        bool
	RateLimit            int
	AllowManifestSummary bool
}

// Authenticator resolves request headers to a client identity.
type Authenticator struct {
	cfg *config.Config
	now func() time.Time
}

// New builds an Authenticator over the configured key set.
func New(cfg *config.Config) *Authenticator {
	return &Authenticator{cfg: cfg, now: time.Now}
}

// Authenticate resolves the caller. Requests without an X-Api-Key header
// get the anonymous identity; a presented key must pass HMAC verification
// over "<timestamp>:<content_hash or empty>".
func (a *Authenticator) Authenticate(header http.Header, contentHash string) (Identity, error) {
	apiKey := header.Get("X-Api-Key")
	if apiKey == "" {
		return Identity{
			Name:                 "anonymous",
			RateLimit:            a.cfg.Verifier.AnonymousRateLimit,
			AllowManifestSummary: a.cfg.Verifier.AllowManifestSummary,
		}, nil
	}

	record, ok := a.cfg.VerifierKeyByID(apiKey)
	if !ok {
		return Identity{}, apierr.New(http.StatusUnauthorized, "invalid_api_key")
	}

	timestampHeader := header.Get("X-Api-Timestamp")
	signatureHeader := header.Get("X-Api-Signature")
	if timestampHeader == "" || signatureHeader == "" {
		return Identity{}, apierr.New(http.StatusUnauthorized, "missing_hmac_headers")
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return Identity{}, apierr.New(http.StatusUnauthorized, "invalid_timestamp")
	}
	skew := a.now().UTC().Unix() - timestamp
	if skew < -WindowSeconds || skew > WindowSeconds {
		return Identity{}, apierr.New(http.StatusUnauthorized, "timestamp_out_of_window")
	}

	mac := hmac.New(sha256.New, []byte(record.HMACSecret))
	mac.Write([]byte(timestampHeader + ":" + contentHash))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return Identity{}, apierr.New(http.StatusUnauthorized, "invalid_signature")
	}

	rateLimit := record.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = a.cfg.Verifier.AuthenticatedRateLimit
	}
	name := record.Name
	if name == "" {
		name = "trusted"
	}
	return Identity{
		APIKey:               apiKey,
		Name:                 name,
		Authenticated:        true,
		RateLimit:            rateLimit,
		AllowManifestSummary: record.AllowManifestSummary,
	}, nil
}

// Sign produces the hex HMAC signature clients send for a request. Exposed
// for tests and client tooling.
func Sign(secret string, timestamp int64, contentHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + ":" + contentHash))
	return hex.EncodeToString(mac.Sum(nil))
}
