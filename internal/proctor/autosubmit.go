package proctor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer submits attempts whose deadline has passed.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// AutoSubmitter closes attempts whose client never reported the timeout,
// e.g. a closed laptop or a lost connection.
type AutoSubmitter struct {
	exp      Expirer
	interval time.Duration
	log      *zap.Logger
}

func NewAutoSubmitter(exp Expirer, interval time.Duration, log *zap.Logger) *AutoSubmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AutoSubmitter{exp: exp, interval: interval, log: log}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (a *AutoSubmitter) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		a.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (a *AutoSubmitter) sweep(ctx context.Context) {
	n, err := a.exp.ExpireOverdue(ctx)
	if err != nil && ctx.Err() == nil {
		a.log.Warn("auto-submit sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.log.Info("auto-submitted overdue attempts", zap.Int("count", n))
	}
}
