// Package poller periodically lists provider machines and feeds the
// observed status back into each image.  It is the only path by which an
// instance reaches running.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentpool/internal/cloud"
)

// Target is the part of an image the poller needs.
type Target interface {
	Details() cloud.ImageDetails
	Reconcile(ctx context.Context, listedAt time.Time, observed map[string]cloud.RealInstance)
}

// Config holds the poller settings.
type Config struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Images     []Target
	Connector  cloud.Connector
	Logger     *slog.Logger
}

// Poller refreshes instance status on a fixed interval and backs off
// exponentially while listing fails.
type Poller struct {
	interval  time.Duration
	images    []Target
	connector cloud.Connector
	logger    *slog.Logger
	backoff   *backoff.ExponentialBackOff
	tracer    trace.Tracer
}

// New creates a Poller.  Interval defaults to 30s and MaxBackoff to 5m.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = cfg.MaxBackoff

	return &Poller{
		interval:  cfg.Interval,
		images:    cfg.Images,
		connector: cfg.Connector,
		logger:    cfg.Logger,
		backoff:   b,
		tracer:    otel.Tracer("agentpool/poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		wait := p.interval
		if err := p.PollOnce(ctx); err != nil {
			wait = min(p.backoff.NextBackOff(), p.backoff.MaxInterval)
			p.logger.Error("an error occurred when refreshing instances",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait),
			)
		} else {
			p.backoff.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// PollOnce refreshes every image once.  A failing image does not stop
// the others; the returned error joins all failures.
func (p *Poller) PollOnce(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.PollOnce")
	defer span.End()

	var errs error
	for _, img := range p.images {
		details := img.Details()
		listedAt := time.Now()
		observed, err := p.connector.FetchInstances(ctx, details)
		if err != nil {
			span.RecordError(err)
			errs = errors.Join(errs, fmt.Errorf("refresh image %s: %w", details.Name, err))
			continue
		}
		img.Reconcile(ctx, listedAt, observed)

		p.logger.Debug("refreshed instances",
			slog.String("image", details.Name),
			slog.Int("instance_count", len(observed)),
		)
	}
	span.SetAttributes(attribute.Int("poller.images", len(p.images)))
	return errs
}
