package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archiveorigin/proofd/internal/apierr"
	"github.com/archiveorigin/proofd/internal/auth"
	"github.com/archiveorigin/proofd/internal/tokens"
	"github.com/archiveorigin/proofd/internal/verify"
)

// abortWithError maps domain errors onto HTTP responses. Unexpected errors
// become opaque 500s.
func (s *Server) abortWithError(c *gin.Context, err error) {
	if apiErr, ok := apierr.From(err); ok {
		c.JSON(apiErr.Status, gin.H{"detail": apiErr.Detail})
		return
	}
	s.log.Error("Internal error", "path", c.Request.URL.Path, "error", err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal_error"})
}

// applyVerifierHeaders sets the caching and tracing headers carried by all
// verifier responses.
func (s *Server) applyVerifierHeaders(c *gin.Context) {
	c.Header("Cache-Control", "private, max-age=30")
	c.Header("X-Request-ID", c.GetString("request_id"))
}

// rateLimit applies the per-identity fixed window. Anonymous callers are
// keyed by client IP.
func (s *Server) rateLimit(c *gin.Context, identity auth.Identity) bool {
	key := identity.APIKey
	if key == "" {
		key = "ip:" + c.ClientIP()
	}
	if !s.limiter.Hit(key, identity.RateLimit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "rate_limited"})
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"time_utc":  time.Now().UTC().Format(time.RFC3339Nano),
		"db_online": s.db.Healthy(c.Request.Context()),
	})
}

func (s *Server) handleEnroll(c *gin.Context) {
	var req tokens.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	resp, err := s.tokens.Enroll(c.Request.Context(), &req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLockProof(c *gin.Context) {
	var req tokens.LockProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	bearer := ""
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		bearer = strings.TrimPrefix(authHeader, "Bearer ")
	}
	resp, err := s.tokens.LockProof(
		c.Request.Context(),
		&req,
		bearer,
		c.GetHeader("X-Device-ID"),
		c.GetHeader("X-Device-PublicKey"),
	)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// readVerifyPayload decodes the body once into both the typed request and
// the raw tree used by the hygiene walk.
func readVerifyPayload(c *gin.Context) (*verify.Request, map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return nil, nil, apierr.New(http.StatusBadRequest, "unreadable body")
	}
	var req verify.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, apierr.New(http.StatusBadRequest, "invalid JSON body")
	}
	if req.ContentHash == "" || req.AttestationCertHash == "" {
		return nil, nil, apierr.New(http.StatusBadRequest, "content_hash and attestation_cert_hash are required")
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, apierr.New(http.StatusBadRequest, "invalid JSON body")
	}
	return &req, raw, nil
}

func (s *Server) handleVerify(c *gin.Context) {
	if !s.requireTLS(c) {
		return
	}
	req, raw, err := readVerifyPayload(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	identity, err := s.auth.Authenticate(c.Request.Header, req.ContentHash)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !s.rateLimit(c, identity) {
		return
	}

	result, err := s.verify.Verify(c.Request.Context(), req, raw, identity)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	switch result.(type) {
	case *verify.SuccessResponse:
		verifyVerdictsTotal.WithLabelValues("verified").Inc()
	case *verify.FailureResponse:
		verifyVerdictsTotal.WithLabelValues("not_verified").Inc()
	}
	s.applyVerifierHeaders(c)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleLedgerLookup(c *gin.Context) {
	if !s.requireTLS(c) {
		return
	}
	req, _, err := readVerifyPayload(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	identity, err := s.auth.Authenticate(c.Request.Header, req.ContentHash)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !identity.Authenticated {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "api_key_required"})
		return
	}
	if !s.rateLimit(c, identity) {
		return
	}

	resp, err := s.verify.Lookup(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	s.applyVerifierHeaders(c)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetCertificate(c *gin.Context) {
	if !s.requireTLS(c) {
		return
	}
	identity, err := s.auth.Authenticate(c.Request.Header, "")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !s.rateLimit(c, identity) {
		return
	}

	cert, err := s.db.GetCertificate(c.Request.Context(), c.Param("cert_hash"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if cert == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "cert_not_found"})
		return
	}

	var metadata map[string]any
	if cert.MetadataJSON != nil {
		if err := json.Unmarshal([]byte(*cert.MetadataJSON), &metadata); err != nil {
			metadata = nil
		}
	}
	body := gin.H{
		"cert_hash":         cert.CertHash,
		"revoked":           cert.Revoked,
		"revocation_reason": cert.RevocationReason,
		"metadata":          metadata,
		"pem":               nil,
	}
	if identity.Authenticated {
		body["pem"] = cert.PEM
	}
	s.applyVerifierHeaders(c)
	c.JSON(http.StatusOK, body)
}
