// Package crl refreshes certificate revocation state from configured and
// discovered CRL distribution points.
package crl

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/pkg/logger"
)

var (
	crlFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofd_crl_fetches_total",
		Help: "CRL fetch attempts by outcome",
	}, []string{"outcome"})

	crlRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofd_crl_revoked_certs_total",
		Help: "Certificates newly revoked by CRL refresh passes",
	})
)

// Store is the persistence surface the refresher needs.
type Store interface {
	CertificateCRLURLs(ctx context.Context) ([]string, error)
	RevokeCertificatesBySerials(ctx context.Context, serials []string, checkedAt time.Time) (int, error)
}

// Report summarizes one refresh pass.
type Report struct {
	Checked int `json:"checked"`
	Revoked int `json:"revoked"`
}

// Refresher downloads CRLs and applies revocations to stored certificates.
type Refresher struct {
	store   Store
	sources []string
	client  *http.Client
	log     *logger.Logger
	now     func() time.Time
}

// New creates a Refresher. Configured sources are checked in addition to
// the distribution points discovered on ingested certificates.
func New(store Store, cfg config.CRLConfig, log *logger.Logger) *Refresher {
	return &Refresher{
		store:   store,
		sources: cfg.Sources,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		log:     log,
		now:     time.Now,
	}
}

// Refresh fetches every known CRL URL, collects revoked serials and flips
// matching certificates to revoked. A URL that fails to fetch or parse is
// skipped; one bad distribution point must not block the rest.
func (r *Refresher) Refresh(ctx context.Context) (Report, error) {
	stored, err := r.store.CertificateCRLURLs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to collect CRL URLs: %w", err)
	}

	seen := make(map[string]struct{})
	var urls []string
	for _, url := range append(append([]string(nil), r.sources...), stored...) {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		r.log.Info("No CRL URLs configured")
		return Report{}, nil
	}

	serialSet := make(map[string]struct{})
	var report Report
	for _, url := range urls {
		list, err := r.fetch(ctx, url)
		if err != nil {
			crlFetchesTotal.WithLabelValues("error").Inc()
			r.log.Warn("Failed to fetch CRL", "url", url, "error", err.Error())
			continue
		}
		crlFetchesTotal.WithLabelValues("ok").Inc()
		report.Checked++
		for _, entry := range list.RevokedCertificateEntries {
			serialSet[strings.ToUpper(entry.SerialNumber.Text(16))] = struct{}{}
		}
	}
	if len(serialSet) == 0 {
		return report, nil
	}

	serials := make([]string, 0, len(serialSet))
	for serial := range serialSet {
		serials = append(serials, serial)
	}
	revoked, err := r.store.RevokeCertificatesBySerials(ctx, serials, r.now().UTC())
	if err != nil {
		return report, fmt.Errorf("failed to apply revocations: %w", err)
	}
	report.Revoked = revoked
	crlRevokedTotal.Add(float64(revoked))
	r.log.Info("CRL refresh complete", "checked", report.Checked, "newly_revoked", report.Revoked)
	return report, nil
}

// fetch downloads and parses one CRL, accepting DER and falling back to PEM.
func (r *Refresher) fetch(ctx context.Context, url string) (*x509.RevocationList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	list, derErr := x509.ParseRevocationList(data)
	if derErr == nil {
		return list, nil
	}
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseRevocationList(block.Bytes)
	}
	return nil, derErr
}
