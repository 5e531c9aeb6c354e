// Package scaler implements listener.Scaler on top of a pool image.  It
// turns the scale set's desired runner count into StartNewInstance calls
// and retires a runner's machine when its job completes.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentpool/internal/cloud"
	"github.com/terrpan/agentpool/internal/idgen"
)

// JITConfigParameter is the user data key carrying the encoded JIT
// runner configuration.
const JITConfigParameter = "ACTIONS_RUNNER_INPUT_JITCONFIG"

// jitConfigGenerator is satisfied by *scaleset.Client.
type jitConfigGenerator interface {
	GenerateJitRunnerConfig(ctx context.Context, setting *scaleset.RunnerScaleSetJitRunnerSetting, scaleSetID int) (*scaleset.RunnerScaleSetJitRunnerConfig, error)
}

// Image is the pool image the scaler drives.
type Image interface {
	cloud.Image
	Wait(ctx context.Context) error
}

// Config holds the parameters the Scaler needs.
type Config struct {
	ScaleSetID     int
	MinRunners     int
	MaxRunners     int
	ScalesetClient jitConfigGenerator
	Image          Image
	RunnerNames    idgen.Provider
	Logger         *slog.Logger
}

// Scaler implements listener.Scaler.  It tracks runner state (idle vs
// busy) and delegates machine lifecycle to the image.
type Scaler struct {
	image          Image
	scalesetClient jitConfigGenerator
	scaleSetID     int
	minRunners     int
	maxRunners     int
	names          idgen.Provider
	logger         *slog.Logger

	mu   sync.Mutex
	idle map[string]string // runner name -> instance id
	busy map[string]string // runner name -> instance id

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersStarted        metric.Int64Counter
	runnersDestroyed      metric.Int64Counter
	runnersReaped         metric.Int64Counter
	jobsCompleted         metric.Int64Counter
	scaleEvents           metric.Int64Counter
	runnerStartupDuration metric.Float64Histogram
}

// Compile-time check.
var _ listener.Scaler = (*Scaler)(nil)

// New creates a Scaler.
func New(cfg Config) *Scaler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RunnerNames == nil {
		cfg.RunnerNames = idgen.UUID()
	}

	s := &Scaler{
		image:          cfg.Image,
		scalesetClient: cfg.ScalesetClient,
		scaleSetID:     cfg.ScaleSetID,
		minRunners:     cfg.MinRunners,
		maxRunners:     cfg.MaxRunners,
		names:          cfg.RunnerNames,
		logger:         cfg.Logger,
		idle:           make(map[string]string),
		busy:           make(map[string]string),
		tracer:         otel.Tracer("agentpool/scaler"),
		meter:          otel.Meter("agentpool/scaler"),
	}

	if !cfg.Image.Details().DeleteAfterStop {
		cfg.Logger.Warn("image keeps machines after stop; reused machines keep the JIT config they were created with",
			slog.String("image", cfg.Image.Name()),
		)
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.runnersStarted, err = s.meter.Int64Counter(
		"agentpool.runners.started",
		metric.WithDescription("Total number of runners requested from the image"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStarted counter", slog.String("error", err.Error()))
	}

	s.runnersDestroyed, err = s.meter.Int64Counter(
		"agentpool.runners.destroyed",
		metric.WithDescription("Total number of runners terminated after their job"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDestroyed counter", slog.String("error", err.Error()))
	}

	s.runnersReaped, err = s.meter.Int64Counter(
		"agentpool.runners.reaped",
		metric.WithDescription("Total number of runners dropped because their machine failed or vanished"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersReaped counter", slog.String("error", err.Error()))
	}

	s.jobsCompleted, err = s.meter.Int64Counter(
		"agentpool.jobs.completed",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	s.scaleEvents, err = s.meter.Int64Counter(
		"agentpool.scale.events",
		metric.WithDescription("Total number of scale events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scaleEvents counter", slog.String("error", err.Error()))
	}

	s.runnerStartupDuration, err = s.meter.Float64Histogram(
		"agentpool.runner.request.duration",
		metric.WithDescription("Time to request a runner machine (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnerStartupDuration histogram", slog.String("error", err.Error()))
	}

	// Register observable gauges for idle/busy runner counts
	_, err = s.meter.Int64ObservableGauge(
		"agentpool.runners.idle",
		metric.WithDescription("Current number of idle runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			count := len(s.idle)
			s.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create idle gauge", slog.String("error", err.Error()))
	}

	_, err = s.meter.Int64ObservableGauge(
		"agentpool.runners.busy",
		metric.WithDescription("Current number of busy runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			count := len(s.busy)
			s.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create busy gauge", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// listener.Scaler implementation
// ---------------------------------------------------------------------------

// HandleDesiredRunnerCount is called by the listener each time the
// scaleset API reports how many runners are needed.
func (s *Scaler) HandleDesiredRunnerCount(ctx context.Context, count int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleDesiredRunnerCount")
	defer span.End()

	s.reap(ctx)
	currentCount := s.runnerCount()
	targetCount := min(s.maxRunners, s.minRunners+count)

	span.SetAttributes(
		attribute.Int("scaleset.desired_count", count),
		attribute.Int("scaleset.current_count", currentCount),
		attribute.Int("scaleset.target_count", targetCount),
	)

	switch {
	case targetCount == currentCount:
		span.SetAttributes(attribute.String("scaleset.scale_action", "none"))
		s.scaleEvent(ctx, "none")
		s.logger.Debug("no scaling action needed",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
		)
		return currentCount, nil

	case targetCount > currentCount:
		delta := targetCount - currentCount
		span.SetAttributes(
			attribute.String("scaleset.scale_action", "up"),
			attribute.Int("scaleset.scale_delta", delta),
		)
		s.scaleEvent(ctx, "up")
		s.logger.Info("scaling up",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
			slog.Int("delta", delta),
		)

		for range delta {
			if !s.image.CanStartNewInstance() {
				s.logger.Warn("image is at capacity, deferring remaining runners",
					slog.String("image", s.image.Name()),
					slog.Int("runners", s.runnerCount()),
				)
				break
			}
			if _, err := s.startRunner(ctx); err != nil {
				if errors.Is(err, cloud.ErrQuotaExceeded) {
					break
				}
				return s.runnerCount(), fmt.Errorf("start runner: %w", err)
			}
		}
		return s.runnerCount(), nil

	default:
		// Scale-down is handled implicitly: runners are ephemeral and
		// are removed on JobCompleted.  If the desired count drops,
		// we simply stop creating new ones -- the existing ones will
		// drain naturally.
		span.SetAttributes(attribute.String("scaleset.scale_action", "down"))
		s.scaleEvent(ctx, "down")
		s.logger.Debug("scale down signalled, waiting for jobs to complete",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
		)
		return currentCount, nil
	}
}

// HandleJobStarted is called when GitHub assigns a job to one of our
// runners.
func (s *Scaler) HandleJobStarted(ctx context.Context, jobInfo *scaleset.JobStarted) error {
	_, span := s.tracer.Start(ctx, "scaler.HandleJobStarted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.display_name", jobInfo.JobDisplayName),
	)

	s.logger.Info("job started",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("jobDisplayName", jobInfo.JobDisplayName),
		slog.String("repo", jobInfo.RepositoryName),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idle[jobInfo.RunnerName]
	if !ok {
		// This can happen if the runner was already marked busy via a
		// duplicate message.  Log a warning but do not fail.
		s.logger.Warn("job started for unknown/already-busy runner",
			slog.String("runner", jobInfo.RunnerName),
		)
		return nil
	}
	delete(s.idle, jobInfo.RunnerName)
	s.busy[jobInfo.RunnerName] = id
	return nil
}

// HandleJobCompleted is called when a job finishes.  The runner is
// ephemeral so its machine is terminated immediately.
func (s *Scaler) HandleJobCompleted(ctx context.Context, jobInfo *scaleset.JobCompleted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobCompleted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.result", jobInfo.Result),
	)

	if s.jobsCompleted != nil {
		s.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", jobInfo.Result)))
	}

	s.logger.Info("job completed",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("result", jobInfo.Result),
		slog.String("repo", jobInfo.RepositoryName),
	)

	id := s.removeRunner(jobInfo.RunnerName)
	if id == "" {
		s.logger.Warn("job completed for unknown runner",
			slog.String("runner", jobInfo.RunnerName),
		)
		return nil
	}

	inst, ok := s.image.Instance(id)
	if !ok {
		s.logger.Warn("machine for runner is no longer tracked",
			slog.String("runner", jobInfo.RunnerName),
			slog.String("instance", id),
		)
		return nil
	}
	s.image.TerminateInstance(ctx, inst)

	if s.runnersDestroyed != nil {
		s.runnersDestroyed.Add(ctx, 1)
	}
	return nil
}

// Shutdown terminates every runner machine and waits for the provider
// calls to finish.
func (s *Scaler) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down all runners")

	s.mu.Lock()
	ids := make([]string, 0, len(s.idle)+len(s.busy))
	for _, id := range s.idle {
		ids = append(ids, id)
	}
	for _, id := range s.busy {
		ids = append(ids, id)
	}
	clear(s.idle)
	clear(s.busy)
	s.mu.Unlock()

	for _, id := range ids {
		if inst, ok := s.image.Instance(id); ok {
			s.image.TerminateInstance(ctx, inst)
		}
	}
	if err := s.image.Wait(ctx); err != nil {
		s.logger.Error("image shutdown error", slog.String("error", err.Error()))
	}
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (s *Scaler) startRunner(ctx context.Context) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.startRunner")
	defer span.End()

	startTime := time.Now()

	name := fmt.Sprintf("runner-%s", s.names.NextID())
	span.SetAttributes(attribute.String("runner.name", name))

	jit, err := s.scalesetClient.GenerateJitRunnerConfig(
		ctx,
		&scaleset.RunnerScaleSetJitRunnerSetting{
			Name: name,
		},
		s.scaleSetID,
	)
	if err != nil {
		return "", fmt.Errorf("generate JIT config for %s: %w", name, err)
	}

	inst, err := s.image.StartNewInstance(ctx, cloud.UserData{
		AgentName:  name,
		Parameters: map[string]string{JITConfigParameter: jit.EncodedJITConfig},
	})
	if err != nil {
		s.logger.Warn("image refused runner",
			slog.String("runner", name),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("start instance for %s: %w", name, err)
	}

	if s.runnerStartupDuration != nil {
		s.runnerStartupDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if s.runnersStarted != nil {
		s.runnersStarted.Add(ctx, 1)
	}

	span.SetAttributes(attribute.String("instance.name", inst.Name()))
	s.logger.Info("runner requested",
		slog.String("runner", name),
		slog.String("instance", inst.Name()),
	)

	s.mu.Lock()
	s.idle[name] = inst.ID()
	s.mu.Unlock()

	return name, nil
}

// reap drops idle runners whose machine failed or is no longer tracked,
// so they stop counting towards the target.  Failed machines get a
// fresh terminate request.
func (s *Scaler) reap(ctx context.Context) {
	var failed []*cloud.Instance

	s.mu.Lock()
	for name, id := range s.idle {
		inst, ok := s.image.Instance(id)
		switch {
		case !ok:
		case inst.Status() == cloud.StatusError:
			failed = append(failed, inst)
		default:
			continue
		}
		delete(s.idle, name)
		if s.runnersReaped != nil {
			s.runnersReaped.Add(ctx, 1)
		}
		s.logger.Warn("dropping runner whose machine failed",
			slog.String("runner", name),
			slog.String("instance", id),
		)
	}
	s.mu.Unlock()

	for _, inst := range failed {
		s.image.TerminateInstance(ctx, inst)
	}
}

func (s *Scaler) scaleEvent(ctx context.Context, action string) {
	if s.scaleEvents != nil {
		s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (s *Scaler) removeRunner(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.busy[name]; ok {
		delete(s.busy, name)
		return id
	}
	if id, ok := s.idle[name]; ok {
		delete(s.idle, name)
		return id
	}
	return ""
}

func (s *Scaler) runnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle) + len(s.busy)
}
