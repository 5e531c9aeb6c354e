// Package pool implements cloud.Image on top of a provider connector: it
// applies the capacity policy, decides between reusing a stopped machine
// and creating a new one, and turns the outcome of asynchronous provider
// calls into instance status and recorded errors.
package pool

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentpool/internal/cloud"
	"github.com/terrpan/agentpool/internal/events"
	"github.com/terrpan/agentpool/internal/idgen"
)

// Config holds everything an Image needs.
type Config struct {
	Details   cloud.ImageDetails
	Connector cloud.Connector
	IDs       idgen.Provider
	Events    events.Sink
	Logger    *slog.Logger
}

// Image owns the instances created from one template.  The instance map
// is only ever touched through Image methods.
type Image struct {
	details   cloud.ImageDetails
	connector cloud.Connector
	ids       idgen.Provider
	events    events.Sink
	logger    *slog.Logger

	mu        sync.RWMutex
	instances map[string]*cloud.Instance
	pending   map[string]int       // instance id -> provider calls in flight
	touched   map[string]time.Time // instance id -> last call issued or settled
	errors    []cloud.ErrorInfo

	inflight sync.WaitGroup

	tracer  trace.Tracer
	metrics *metrics
}

// Compile-time check.
var _ cloud.Image = (*Image)(nil)

// New creates an image and adopts the machines the provider already runs
// for it.  A failed listing is recorded on the image and logged; the
// image is still returned, empty, so the scheduler can use it later.
func New(ctx context.Context, cfg Config) *Image {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}

	img := &Image{
		details:   cfg.Details,
		connector: cfg.Connector,
		ids:       cfg.IDs,
		events:    cfg.Events,
		logger:    cfg.Logger.With(slog.String("image", cfg.Details.Name)),
		instances: make(map[string]*cloud.Instance),
		pending:   make(map[string]int),
		touched:   make(map[string]time.Time),
		tracer:    otel.Tracer("agentpool/pool"),
	}
	img.metrics = newMetrics(img)

	img.discover(ctx)
	return img
}

func (img *Image) discover(ctx context.Context) {
	ctx, span := img.tracer.Start(ctx, "pool.discover")
	defer span.End()

	observed, err := img.connector.FetchInstances(ctx, img.details)
	if err != nil {
		img.logger.Warn("failed to get instances for image",
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		img.mu.Lock()
		img.errors = append(img.errors, cloud.NewErrorInfo(cloud.KindDiscovery, err))
		img.mu.Unlock()
		return
	}

	img.mu.Lock()
	for name, ri := range observed {
		img.instances[name] = cloud.NewInstance(img.details.Name, name, ri.Status)
	}
	img.mu.Unlock()

	span.SetAttributes(attribute.Int("pool.discovered", len(observed)))
	img.logger.Info("image loaded", slog.Int("instances", len(observed)))
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Name returns the image name.
func (img *Image) Name() string { return img.details.Name }

// Details returns the image configuration.
func (img *Image) Details() cloud.ImageDetails { return img.details }

// Instances returns a snapshot of the tracked instances ordered by id.
func (img *Image) Instances() []*cloud.Instance {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.snapshot()
}

// Instance looks up a tracked instance.
func (img *Image) Instance(id string) (*cloud.Instance, bool) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	inst, ok := img.instances[id]
	return inst, ok
}

// Errors returns the failures recorded on the image itself.
func (img *Image) Errors() []cloud.ErrorInfo {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return slices.Clone(img.errors)
}

// CanStartNewInstance reports whether fewer than MaxInstances instances
// are starting or started.
func (img *Image) CanStartNewInstance() bool {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.canStart()
}

// snapshot must be called with img.mu held.
func (img *Image) snapshot() []*cloud.Instance {
	out := lo.Values(img.instances)
	slices.SortFunc(out, func(a, b *cloud.Instance) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// activeInstances must be called with img.mu held.
func (img *Image) activeInstances() []*cloud.Instance {
	return lo.Filter(img.snapshot(), func(inst *cloud.Instance, _ int) bool {
		return inst.Status().IsStartingOrStarted()
	})
}

// stoppedInstances must be called with img.mu held.
func (img *Image) stoppedInstances() []*cloud.Instance {
	return lo.Filter(img.snapshot(), func(inst *cloud.Instance, _ int) bool {
		return inst.Status().IsStopped()
	})
}

func (img *Image) canStart() bool {
	return len(img.activeInstances()) < img.details.MaxInstances
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

// StartNewInstance starts a stopped instance (when the image keeps
// machines after stop) or creates a new one.  It returns as soon as the
// provider call has been issued; failures show up later as the
// instance's status and errors.
//
// It fails with cloud.ErrQuotaExceeded, and issues no provider call, when
// the image is at capacity.
func (img *Image) StartNewInstance(ctx context.Context, data cloud.UserData) (*cloud.Instance, error) {
	ctx, span := img.tracer.Start(ctx, "pool.StartNewInstance")
	defer span.End()

	img.mu.Lock()
	if !img.canStart() {
		img.mu.Unlock()
		span.SetAttributes(attribute.String("pool.start_path", "rejected"))
		img.metrics.rejected(ctx)
		return nil, fmt.Errorf("image %s: unable to start more instances: %w", img.details.Name, cloud.ErrQuotaExceeded)
	}

	var (
		inst   *cloud.Instance
		prev   cloud.InstanceStatus
		reused bool
	)
	if !img.details.DeleteAfterStop {
		if stopped := img.stoppedInstances(); len(stopped) > 0 {
			inst = stopped[0]
			prev = inst.SetStatus(cloud.StatusScheduledToStart)
			reused = true
		}
	}
	if inst == nil {
		name := strings.ToLower(img.details.VMNamePrefix) + img.ids.NextID()
		inst = cloud.NewInstance(img.details.Name, name, cloud.StatusScheduledToStart)
		img.instances[inst.ID()] = inst
	}
	img.begin(inst)
	img.mu.Unlock()

	span.SetAttributes(
		attribute.String("pool.instance", inst.Name()),
		attribute.Bool("pool.reused", reused),
	)
	img.publish(ctx, inst, prev, cloud.StatusScheduledToStart, nil)

	// Completion handlers outlive the caller's request.
	opCtx := context.WithoutCancel(ctx)

	if reused {
		img.logger.Info("starting stopped virtual machine", slog.String("instance", inst.Name()))
		op := img.connector.StartVM(opCtx, inst)
		img.track(inst, func() { img.awaitStart(opCtx, inst, op) })
		return inst, nil
	}

	tagged := data.WithVMName(inst.Name())
	inst.SetUserData(tagged)
	img.logger.Info("creating virtual machine", slog.String("instance", inst.Name()))
	op := img.connector.CreateVM(opCtx, inst, tagged)
	img.track(inst, func() { img.awaitCreate(opCtx, inst, op) })
	return inst, nil
}

// awaitCreate waits for a create call.  On failure the instance goes to
// error and one compensating delete releases whatever the provider had
// already allocated.  A failed compensation is recorded and logged, never
// retried.
func (img *Image) awaitCreate(ctx context.Context, inst *cloud.Instance, op cloud.Operation) {
	ctx, span := img.tracer.Start(ctx, "pool.create", trace.WithAttributes(
		attribute.String("pool.instance", inst.Name()),
	))
	defer span.End()
	start := time.Now()

	err := op.Wait(ctx)
	if err == nil {
		img.metrics.startedOK(ctx, "create", start)
		img.logger.Info("virtual machine has been successfully created", slog.String("instance", inst.Name()))
		return
	}

	span.RecordError(err)
	img.fail(ctx, inst, "create", err)

	img.logger.Info("removing allocated resources for virtual machine", slog.String("instance", inst.Name()))
	if err := img.connector.DeleteVM(ctx, inst).Wait(ctx); err != nil {
		span.RecordError(err)
		img.metrics.compensated(ctx, false)
		img.record(ctx, inst, cloud.NewErrorInfo(cloud.KindCompensation, err))
		img.logger.Error("failed to delete allocated resources for virtual machine",
			slog.String("instance", inst.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	img.metrics.compensated(ctx, true)
	img.logger.Info("allocated resources for virtual machine have been removed", slog.String("instance", inst.Name()))
}

// awaitStart waits for the start of a reused machine.  The machine
// existed before, so a failure leaves it in place.
func (img *Image) awaitStart(ctx context.Context, inst *cloud.Instance, op cloud.Operation) {
	ctx, span := img.tracer.Start(ctx, "pool.start", trace.WithAttributes(
		attribute.String("pool.instance", inst.Name()),
	))
	defer span.End()
	start := time.Now()

	if err := op.Wait(ctx); err != nil {
		span.RecordError(err)
		img.fail(ctx, inst, "start", err)
		return
	}
	img.metrics.startedOK(ctx, "reuse", start)
	img.logger.Info("virtual machine has been successfully started", slog.String("instance", inst.Name()))
}

// ---------------------------------------------------------------------------
// Restart
// ---------------------------------------------------------------------------

// RestartInstance restarts a tracked instance.  It stays restarting until
// reconciliation reports the real status.
func (img *Image) RestartInstance(ctx context.Context, inst *cloud.Instance) {
	ctx, span := img.tracer.Start(ctx, "pool.RestartInstance", trace.WithAttributes(
		attribute.String("pool.instance", inst.Name()),
	))
	defer span.End()

	img.mu.Lock()
	if !img.tracks(inst) {
		img.mu.Unlock()
		img.logger.Warn("restart requested for unknown instance", slog.String("instance", inst.Name()))
		return
	}
	prev := inst.SetStatus(cloud.StatusRestarting)
	img.begin(inst)
	img.mu.Unlock()

	img.publish(ctx, inst, prev, cloud.StatusRestarting, nil)

	opCtx := context.WithoutCancel(ctx)
	op := img.connector.RestartVM(opCtx, inst)
	img.track(inst, func() {
		if err := op.Wait(opCtx); err != nil {
			img.fail(opCtx, inst, "restart", err)
			return
		}
		img.logger.Info("virtual machine has been successfully restarted", slog.String("instance", inst.Name()))
	})
}

// ---------------------------------------------------------------------------
// Terminate
// ---------------------------------------------------------------------------

// TerminateInstance deletes (delete-after-stop) or stops the instance.  A
// deleted instance is dropped from the image and its name is never used
// again.  Untracked instances and instances being stopped are left alone,
// as are stopped instances of an image that keeps machines after stop.
func (img *Image) TerminateInstance(ctx context.Context, inst *cloud.Instance) {
	ctx, span := img.tracer.Start(ctx, "pool.TerminateInstance", trace.WithAttributes(
		attribute.String("pool.instance", inst.Name()),
	))
	defer span.End()

	img.mu.Lock()
	if !img.tracks(inst) {
		img.mu.Unlock()
		img.logger.Debug("terminate requested for untracked instance", slog.String("instance", inst.Name()))
		return
	}
	if status := inst.Status(); status == cloud.StatusScheduledToStop || (status.IsStopped() && !img.details.DeleteAfterStop) {
		img.mu.Unlock()
		img.logger.Debug("instance already stopped or stopping",
			slog.String("instance", inst.Name()),
			slog.String("status", status.String()),
		)
		return
	}
	prev := inst.SetStatus(cloud.StatusScheduledToStop)
	img.begin(inst)
	img.mu.Unlock()

	img.publish(ctx, inst, prev, cloud.StatusScheduledToStop, nil)

	opCtx := context.WithoutCancel(ctx)
	var op cloud.Operation
	if img.details.DeleteAfterStop {
		op = img.connector.DeleteVM(opCtx, inst)
	} else {
		op = img.connector.StopVM(opCtx, inst)
	}
	img.track(inst, func() { img.awaitTerminate(opCtx, inst, op) })
}

func (img *Image) awaitTerminate(ctx context.Context, inst *cloud.Instance, op cloud.Operation) {
	opName := "stop"
	if img.details.DeleteAfterStop {
		opName = "delete"
	}

	if err := op.Wait(ctx); err != nil {
		img.fail(ctx, inst, opName, err)
		return
	}

	prev := inst.SetStatus(cloud.StatusStopped)
	if img.details.DeleteAfterStop {
		img.mu.Lock()
		if img.tracks(inst) {
			delete(img.instances, inst.ID())
		}
		img.mu.Unlock()
	}
	img.publish(ctx, inst, prev, cloud.StatusStopped, nil)
	img.logger.Info("virtual machine has been successfully stopped",
		slog.String("instance", inst.Name()),
		slog.Bool("deleted", img.details.DeleteAfterStop),
	)
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Reconcile copies provider-observed status into tracked instances.
// listedAt is when the listing was requested.  Instances with a provider
// call in flight, or with a call issued or settled at or after listedAt,
// are skipped: the listing may predate the call and their completion
// handler owns the status.  A tracked machine the provider no longer
// lists is treated as deleted.
func (img *Image) Reconcile(ctx context.Context, listedAt time.Time, observed map[string]cloud.RealInstance) {
	type change struct {
		inst     *cloud.Instance
		from, to cloud.InstanceStatus
	}
	var changes []change

	img.mu.Lock()
	for id, inst := range img.instances {
		if img.pending[id] > 0 {
			continue
		}
		if at, ok := img.touched[id]; ok {
			if !at.Before(listedAt) {
				continue
			}
			delete(img.touched, id)
		}
		current := inst.Status()
		ri, listed := observed[inst.Name()]
		switch {
		case listed && ri.Status != current:
			inst.SetStatus(ri.Status)
			changes = append(changes, change{inst, current, ri.Status})
		case !listed && current != cloud.StatusError && !current.IsStopped():
			inst.SetStatus(cloud.StatusStopped)
			changes = append(changes, change{inst, current, cloud.StatusStopped})
			if img.details.DeleteAfterStop {
				delete(img.instances, id)
			}
		}
	}
	for id := range img.touched {
		if _, ok := img.instances[id]; !ok && img.pending[id] == 0 {
			delete(img.touched, id)
		}
	}
	for name := range observed {
		if _, ok := img.instances[name]; !ok {
			img.logger.Debug("provider lists untracked machine", slog.String("machine", name))
		}
	}
	img.mu.Unlock()

	for _, c := range changes {
		img.publish(ctx, c.inst, c.from, c.to, nil)
	}
}

// ---------------------------------------------------------------------------
// Completion tracking
// ---------------------------------------------------------------------------

// Wait blocks until every completion handler issued so far has run.
func (img *Image) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		img.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track runs fn on its own goroutine and clears the instance's pending
// mark afterwards.  The pending counter must already be incremented.
func (img *Image) track(inst *cloud.Instance, fn func()) {
	img.inflight.Add(1)
	go func() {
		defer img.inflight.Done()
		defer func() {
			img.mu.Lock()
			img.pending[inst.ID()]--
			if img.pending[inst.ID()] <= 0 {
				delete(img.pending, inst.ID())
			}
			img.touched[inst.ID()] = time.Now()
			img.mu.Unlock()
		}()
		fn()
	}()
}

// begin marks a provider call for inst as in flight.  It must be called
// with img.mu held.
func (img *Image) begin(inst *cloud.Instance) {
	img.pending[inst.ID()]++
	img.touched[inst.ID()] = time.Now()
}

// tracks must be called with img.mu held.
func (img *Image) tracks(inst *cloud.Instance) bool {
	return inst != nil && img.instances[inst.ID()] == inst
}

// fail moves inst to error and records the failure.
func (img *Image) fail(ctx context.Context, inst *cloud.Instance, op string, err error) {
	img.logger.Warn("virtual machine operation failed",
		slog.String("instance", inst.Name()),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	img.metrics.failed(ctx, op)

	info := cloud.NewErrorInfo(cloud.KindProvisioning, err)
	prev := inst.SetStatus(cloud.StatusError)
	inst.AppendError(info)
	img.publish(ctx, inst, prev, cloud.StatusError, &info)
}

// record adds a failure without changing the status.
func (img *Image) record(ctx context.Context, inst *cloud.Instance, info cloud.ErrorInfo) {
	inst.AppendError(info)
	status := inst.Status()
	img.publish(ctx, inst, status, status, &info)
}

// publish reports a change to the event sink and the transition counter.
// Sink failures are logged only.
func (img *Image) publish(ctx context.Context, inst *cloud.Instance, from, to cloud.InstanceStatus, info *cloud.ErrorInfo) {
	if from != to {
		img.metrics.transition(ctx, from, to)
	}
	err := img.events.Publish(ctx, events.Event{
		Image:    img.details.Name,
		Instance: inst.Name(),
		From:     from,
		To:       to,
		Error:    info,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		img.logger.Warn("failed to publish instance event",
			slog.String("instance", inst.Name()),
			slog.String("error", err.Error()),
		)
	}
}
