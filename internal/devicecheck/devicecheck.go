// Package devicecheck talks to Apple's DeviceCheck API to validate device
// tokens during enrolment.
package devicecheck

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/pkg/logger"
)

const (
	productionBaseURL  = "https://api.devicecheck.apple.com/v1"
	developmentBaseURL = "https://api.development.devicecheck.apple.com/v1"

	jwtTTL = 5 * time.Minute
)

// Result carries Apple's answer for one device token.
type Result struct {
	Valid  bool
	Reason string
}

// Client validates device tokens against the DeviceCheck service.
type Client struct {
	teamID     string
	keyID      string
	privateKey *ecdsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	now        func() time.Time
}

// New builds a Client from configuration. It returns an error when the
// signing key cannot be parsed.
func New(cfg config.DeviceCheckConfig, log *logger.Logger) (*Client, error) {
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load devicecheck signing key: %w", err)
	}
	baseURL := productionBaseURL
	if cfg.Environment == "development" {
		baseURL = developmentBaseURL
	}
	return &Client{
		teamID:     cfg.TeamID,
		keyID:      cfg.KeyID,
		privateKey: key,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		log:        log,
		now:        time.Now,
	}, nil
}

func parsePrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Apple distributes .p8 keys as PKCS#8; accept SEC1 as fallback.
		if ecKey, secErr := x509.ParseECPrivateKey(block.Bytes); secErr == nil {
			return ecKey, nil
		}
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("devicecheck key is not an EC key")
	}
	return key, nil
}

// authToken creates the short-lived ES256 JWT Apple requires.
func (c *Client) authToken() (string, error) {
	now := c.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.teamID,
		"iat": now.Unix(),
		"exp": now.Add(jwtTTL).Unix(),
	})
	token.Header["kid"] = c.keyID
	return token.SignedString(c.privateKey)
}

// ValidateToken asks Apple whether a device token is genuine. A transport
// or signing failure is an error; a definitive rejection from Apple comes
// back as Result{Valid: false} with a reason.
func (c *Client) ValidateToken(ctx context.Context, deviceToken string) (Result, error) {
	authToken, err := c.authToken()
	if err != nil {
		return Result{}, err
	}

	payload := map[string]any{
		"device_token":   deviceToken,
		"transaction_id": uuid.NewString(),
		"timestamp":      c.now().UTC().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate_device_token", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("devicecheck request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{Valid: true}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return Result{Valid: false, Reason: "unauthorized"}, nil
	case resp.StatusCode == http.StatusBadRequest:
		return Result{Valid: false, Reason: "invalid_token"}, nil
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("devicecheck service error: status %d", resp.StatusCode)
	default:
		return Result{Valid: false, Reason: fmt.Sprintf("status_%d", resp.StatusCode)}, nil
	}
}
