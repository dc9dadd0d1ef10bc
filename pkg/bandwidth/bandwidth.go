// Package bandwidth enforces upload/download caps and tracks observed transfer rates.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
)

// ErrBandwidthExceeded is returned when a transfer would exceed a configured cap
var ErrBandwidthExceeded = errors.New("bandwidth limit exceeded")

// Direction of a transfer relative to this node
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return metrics.Upload
	}
	return metrics.Download
}

// Config sets the caps in bytes per second; 0 means unlimited
type Config struct {
	MaxUpload   uint64
	MaxDownload uint64
}

// Stats is a snapshot of the tracker
type Stats struct {
	UploadRate      float64 `json:"upload_rate"`   // bytes/s over the last refresh window
	DownloadRate    float64 `json:"download_rate"` // bytes/s over the last refresh window
	TotalUploaded   uint64  `json:"total_uploaded"`
	TotalDownloaded uint64  `json:"total_downloaded"`
	MaxUpload       uint64  `json:"max_upload"`
	MaxDownload     uint64  `json:"max_download"`
}

// Tracker enforces caps with token buckets and aggregates observed throughput
type Tracker struct {
	clock clock.Clock

	mu          sync.Mutex
	cfg         Config
	limiters    [2]*rate.Limiter
	totals      [2]uint64
	window      [2]uint64
	rates       [2]float64
	windowStart time.Time
}

// NewTracker creates a tracker for cfg
func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{
		clock:       clk,
		windowStart: clk.Now(),
	}
	t.applyLimits(cfg)
	return t
}

// limiterFromRate builds a bucket holding one second of traffic; 0 is unlimited
func limiterFromRate(bytesPerSec uint64) *rate.Limiter {
	if bytesPerSec == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burstFor(bytesPerSec))
}

func burstFor(bytesPerSec uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if bytesPerSec > uint64(maxInt) {
		return maxInt
	}
	return int(bytesPerSec)
}

func (t *Tracker) applyLimits(cfg Config) {
	t.cfg = cfg
	t.limiters[Upload] = limiterFromRate(cfg.MaxUpload)
	t.limiters[Download] = limiterFromRate(cfg.MaxDownload)
}

// SetLimits replaces both caps
func (t *Tracker) SetLimits(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLimits(cfg)
}

// Limits returns the configured caps
func (t *Tracker) Limits() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Tracker) limiter(dir Direction) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiters[dir]
}

// tokens clamps n to the bucket size so transfers larger than one second of budget
// consume a full bucket instead of never fitting
func tokens(l *rate.Limiter, n int) int {
	if b := l.Burst(); n > b {
		return b
	}
	return n
}

// CheckAvailability reserves budget for n bytes in dir or fails with ErrBandwidthExceeded
func (t *Tracker) CheckAvailability(dir Direction, n int) error {
	l := t.limiter(dir)
	if l.Limit() == rate.Inf {
		return nil
	}
	if !l.AllowN(t.clock.Now(), tokens(l, n)) {
		return fmt.Errorf("%w: %s of %d bytes over %d B/s", ErrBandwidthExceeded, dir, n, uint64(l.Limit()))
	}
	return nil
}

// WaitN blocks until n bytes fit in dir's budget or ctx ends
func (t *Tracker) WaitN(ctx context.Context, dir Direction, n int) error {
	l := t.limiter(dir)
	if l.Limit() == rate.Inf {
		return nil
	}
	if err := l.WaitN(ctx, tokens(l, n)); err != nil {
		return fmt.Errorf("%w: %v", ErrBandwidthExceeded, err)
	}
	return nil
}

// Record accounts n bytes moved in dir
func (t *Tracker) Record(dir Direction, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[dir] += uint64(n)
	t.window[dir] += uint64(n)
}

// Refresh turns the bytes recorded since the last refresh into rates and starts a new window
func (t *Tracker) Refresh() Stats {
	now := t.clock.Now()

	t.mu.Lock()
	elapsed := now.Sub(t.windowStart).Seconds()
	if elapsed > 0 {
		for dir := range t.window {
			t.rates[dir] = float64(t.window[dir]) / elapsed
			t.window[dir] = 0
		}
		t.windowStart = now
	}
	stats := t.statsLocked()
	t.mu.Unlock()

	metrics.BandwidthRate.WithLabelValues(metrics.Upload).Set(stats.UploadRate)
	metrics.BandwidthRate.WithLabelValues(metrics.Download).Set(stats.DownloadRate)
	return stats
}

// Stats returns the rates from the last refresh and lifetime totals
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	return Stats{
		UploadRate:      t.rates[Upload],
		DownloadRate:    t.rates[Download],
		TotalUploaded:   t.totals[Upload],
		TotalDownloaded: t.totals[Download],
		MaxUpload:       t.cfg.MaxUpload,
		MaxDownload:     t.cfg.MaxDownload,
	}
}
