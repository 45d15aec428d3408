// Package timesync maintains an NTP-backed clock used for timestamp skew
// checks. The offset is refreshed lazily and cached between refreshes so
// callers never pay for NTP round-trips more than once per interval.
package timesync

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/archiveorigin/proofd/pkg/logger"
)

const (
	// DefaultRefreshInterval bounds how often the NTP servers are contacted.
	DefaultRefreshInterval = 60 * time.Second

	ntpTimeout = 1500 * time.Millisecond
)

// queryFunc fetches the clock offset from one NTP host.
type queryFunc func(host string) (time.Duration, error)

// TrustedTime is a best-effort NTP backed clock with a cached offset.
type TrustedTime struct {
	servers         []string
	refreshInterval time.Duration
	query           queryFunc
	log             *logger.Logger

	mu        sync.Mutex
	lastFetch time.Time
	offset    time.Duration
}

// New creates a trusted clock over the given NTP hosts. Hosts are tried in
// order on each refresh; the first response wins.
func New(servers []string, refreshInterval time.Duration, log *logger.Logger) *TrustedTime {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &TrustedTime{
		servers:         servers,
		refreshInterval: refreshInterval,
		query:           ntpOffset,
		log:             log,
	}
}

func ntpOffset(host string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: ntpTimeout, Version: 3})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Now returns the current UTC instant adjusted by the cached NTP offset.
// At most one refresh is in flight per interval.
func (t *TrustedTime) Now() time.Time {
	t.mu.Lock()
	if time.Since(t.lastFetch) > t.refreshInterval {
		t.refresh()
		t.lastFetch = time.Now()
	}
	offset := t.offset
	t.mu.Unlock()
	return time.Now().UTC().Add(offset)
}

// refresh is called with the lock held.
func (t *TrustedTime) refresh() {
	for _, host := range t.servers {
		offset, err := t.query(host)
		if err != nil {
			if t.log != nil {
				t.log.Warn("NTP query failed", "host", host, "error", err.Error())
			}
			continue
		}
		t.offset = offset
		return
	}
	// No servers reachable; fall back to the system clock.
	t.offset = 0
}
