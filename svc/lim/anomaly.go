package lim

import (
	"sync"
	"time"

	"pasteforge/metrics"
	"pasteforge/svc/util"
)

const (
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector keeps a ring of per-interval request and error counts
// and calls onAnomaly when the error rate over the ring is too high.
type AnomalyDetector struct {
	mu        sync.Mutex
	ring      []bucket
	cur       int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(buckets int, onAnomaly func()) *AnomalyDetector {
	if buckets < 1 {
		buckets = 1
	}
	return &AnomalyDetector{
		ring:      make([]bucket, buckets),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.ring[d.cur].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.ring[d.cur].errors++
	d.mu.Unlock()
}

// Advance evaluates the ring, then starts a fresh bucket. It returns the
// error rate in percent.
func (d *AnomalyDetector) Advance() float64 {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.ring {
		reqs += b.requests
		errs += b.errors
	}
	d.cur = (d.cur + 1) % len(d.ring)
	d.ring[d.cur] = bucket{}
	d.mu.Unlock()

	var pct float64
	if reqs > 0 {
		pct = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(pct)
	if reqs > anomalyMinRequests && pct > anomalyErrorRate {
		util.Warn().Float64("error_rate", pct).Int64("requests", reqs).Int64("errors", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return pct
}
