package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner periodically removes threads older than the retention window.
type Pruner struct {
	expirer   Expirer
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPruner schedules expirer.DeleteBefore(now - retention) on a standard
// five-field cron schedule such as "@hourly" or "*/15 * * * *".
func NewPruner(expirer Expirer, retention time.Duration, schedule string, logger zerolog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	p := &Pruner{
		expirer:   expirer,
		retention: retention,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "pruner").Logger(),
		now:       time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, func() { _, _ = p.Prune(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start runs the schedule in the background.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Prune runs one retention pass.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.expirer.DeleteBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error().Err(err).Time("cutoff", cutoff).Msg("checkpoint prune failed")
		return n, err
	}
	if n > 0 {
		p.logger.Info().Int("removed", n).Time("cutoff", cutoff).Msg("pruned expired threads")
	}
	return n, nil
}
