package svc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"pasteforge/metrics"
	"pasteforge/svc/util"
)

// Purger runs Paste.Purge on a cron schedule. Overlapping runs are skipped.
type Purger struct {
	c       *cron.Cron
	pastes  *Paste
	timeout time.Duration
	mu      sync.Mutex
}

func NewPurger(pastes *Paste, schedule string, timeout time.Duration) (*Purger, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	p := &Purger{
		c:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pastes:  pastes,
		timeout: timeout,
	}
	if _, err := p.c.AddFunc(schedule, p.run); err != nil {
		return nil, errors.Wrapf(err, "invalid purge schedule %q", schedule)
	}
	return p, nil
}

func (p *Purger) Start() { p.c.Start() }

// Stop waits for an in-flight run to finish.
func (p *Purger) Stop() {
	<-p.c.Stop().Done()
}

func (p *Purger) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.RunOnce(ctx); err != nil {
		util.Error().Err(err).Msg("purge failed")
	}
}

// RunOnce purges immediately. Used by the scheduler and the purge command.
func (p *Purger) RunOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()
	n, err := p.pastes.Purge(ctx)
	metrics.PruneCycles.Inc()
	util.Info().Int("removed", n).Dur("took", time.Since(start)).Msg("purge cycle")
	return n, err
}
