package publish

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"postpilot/internal/config"
	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// Publisher pushes one item to its platform. Implementations return nil on
// success, a *RetryableError for transient failures and a *FatalAccountError
// when the account itself is unusable. Publish must honour ctx cancellation.
type Publisher interface {
	Publish(ctx context.Context, acc domain.Account, it domain.Item) error
}

type PublisherFunc func(ctx context.Context, acc domain.Account, it domain.Item) error

func (f PublisherFunc) Publish(ctx context.Context, acc domain.Account, it domain.Item) error {
	return f(ctx, acc, it)
}

// New builds the configured publisher, rate limited when RatePerSec > 0.
func New(cfg config.Publisher, log logx.Logger) (Publisher, error) {
	var p Publisher
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		p = NewDryRun(log)
	case "http":
		h, err := NewHTTP(cfg.URL, cfg.Token, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		p = h
	default:
		return nil, fmt.Errorf("unknown publisher driver: %s", cfg.Driver)
	}
	if cfg.RatePerSec > 0 {
		p = Limit(p, rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return p, nil
}

// DryRun logs every publish and reports success. Useful for staging a
// schedule without touching real accounts.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun {
	return &DryRun{log: log.With(logx.Component("publisher"), logx.String("driver", "log"))}
}

func (d *DryRun) Publish(ctx context.Context, acc domain.Account, it domain.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("publish (dry run)",
		logx.String("account", acc.ID),
		logx.String("platform", acc.Platform),
		logx.String("item", it.ID),
		logx.String("payload", it.PayloadRef),
		logx.TimePtr("scheduled_at", it.ScheduledAt),
	)
	return nil
}

// Limited shares one token bucket across every account's publishes.
type Limited struct {
	next    Publisher
	limiter *rate.Limiter
}

func Limit(next Publisher, r rate.Limit, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(r, burst)}
}

func (l *Limited) Publish(ctx context.Context, acc domain.Account, it domain.Item) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.Publish(ctx, acc, it)
}
