// Package gcp implements cloud.Connector on Google Cloud Compute Engine.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
//
// Machines are tagged with the label agentpool-image=<image> so that
// FetchInstances only sees machines it owns.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/agentpool/internal/cloud"
)

// ImageLabel is the label key carrying the image name.
const ImageLabel = "agentpool-image"

// Template describes the machines created for one image.
type Template struct {
	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// SourceImage is the full self-link or family URL of the boot image (required).
	// Examples:
	//   "projects/my-project/global/images/agent-1234567890"
	//   "projects/my-project/global/images/family/agent"
	SourceImage string `yaml:"source_image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// DiskType is the boot disk type.  Default: "pd-ssd".
	DiskType string `yaml:"disk_type"`

	// Network is the VPC network.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether machines get an external IP.
	PublicIP bool `yaml:"public_ip"`

	// ServiceAccount is attached to machines when set.
	ServiceAccount string `yaml:"service_account"`

	// Labels are added to every machine next to the image label.
	Labels map[string]string `yaml:"labels"`
}

// ApplyDefaults fills zero-valued fields.
func (t *Template) ApplyDefaults() {
	if t.MachineType == "" {
		t.MachineType = "e2-medium"
	}
	if t.DiskSizeGB == 0 {
		t.DiskSizeGB = 50
	}
	if t.DiskType == "" {
		t.DiskType = "pd-ssd"
	}
	if t.Network == "" {
		t.Network = "default"
	}
}

// Config holds GCP connector settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where machines are created (required).
	Zone string

	// Templates maps image names to machine templates.
	Templates map[string]Template
}

// ---------------------------------------------------------------------------
// Client seam
// ---------------------------------------------------------------------------

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the Compute Engine instances client the
// connector uses.
type instancesAPI interface {
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.c.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return waiter(r.c.Insert(ctx, req))
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	return waiter(r.c.Start(ctx, req))
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return waiter(r.c.Stop(ctx, req))
}

func (r restInstances) Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (operationWaiter, error) {
	return waiter(r.c.Reset(ctx, req))
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return waiter(r.c.Delete(ctx, req))
}

func (r restInstances) Close() error { return r.c.Close() }

// waiter keeps a nil *compute.Operation from turning into a non-nil
// interface.
func waiter(op *compute.Operation, err error) (operationWaiter, error) {
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ---------------------------------------------------------------------------
// Connector
// ---------------------------------------------------------------------------

// Connector manages agent machines as Compute Engine VMs.
type Connector struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check.
var _ cloud.Connector = (*Connector)(nil)

// New creates a GCP connector using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Connector, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp connector initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.Any("images", slices.Sorted(maps.Keys(cfg.Templates))),
	)

	return newConnector(restInstances{c: client}, cfg, logger), nil
}

func newConnector(client instancesAPI, cfg Config, logger *slog.Logger) *Connector {
	templates := make(map[string]Template, len(cfg.Templates))
	for name, t := range cfg.Templates {
		t.ApplyDefaults()
		templates[name] = t
	}
	cfg.Templates = templates

	return &Connector{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("agentpool/provider/gcp"),
	}
}

// Close closes the API client.
func (c *Connector) Close() error {
	return c.client.Close()
}

// FetchInstances lists the VMs labelled with the image name.
func (c *Connector) FetchInstances(ctx context.Context, image cloud.ImageDetails) (map[string]cloud.RealInstance, error) {
	ctx, span := c.tracer.Start(ctx, "provider.gcp.FetchInstances", trace.WithAttributes(
		attribute.String("image", image.Name),
		attribute.String("gcp.zone", c.cfg.Zone),
	))
	defer span.End()

	vms, err := c.client.List(ctx, &computepb.ListInstancesRequest{
		Project: c.cfg.Project,
		Zone:    c.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s = %s", ImageLabel, labelValue(image.Name))),
	})
	if err != nil {
		span.RecordError(err)
		return nil, providerError("list instances", err)
	}

	out := make(map[string]cloud.RealInstance, len(vms))
	for _, vm := range vms {
		out[vm.GetName()] = cloud.RealInstance{
			Name:   vm.GetName(),
			Status: statusFromGCP(vm.GetStatus()),
		}
	}
	span.SetAttributes(attribute.Int("gcp.instances_count", len(out)))
	return out, nil
}

// CreateVM inserts a VM from the image's template.  User data parameters
// are passed as instance metadata so the startup script can read them.
func (c *Connector) CreateVM(ctx context.Context, inst *cloud.Instance, data cloud.UserData) cloud.Operation {
	tmpl, ok := c.cfg.Templates[inst.ImageName()]
	if !ok {
		return cloud.Failed(&cloud.ProviderError{
			Op:  "insert instance " + inst.Name(),
			Err: fmt.Errorf("no template for image %q", inst.ImageName()),
		})
	}
	resource := c.instanceResource(inst, tmpl, data)

	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.gcp.CreateVM", trace.WithAttributes(
			attribute.String("instance.name", inst.Name()),
			attribute.String("gcp.machine_type", tmpl.MachineType),
		))
		defer span.End()

		c.logger.Info("creating VM",
			slog.String("name", inst.Name()),
			slog.String("machine_type", tmpl.MachineType),
			slog.String("zone", c.cfg.Zone),
		)
		op, err := c.client.Insert(ctx, &computepb.InsertInstanceRequest{
			Project:          c.cfg.Project,
			Zone:             c.cfg.Zone,
			InstanceResource: resource,
		})
		return c.await(ctx, span, "insert instance "+inst.Name(), op, err)
	})
}

// StartVM starts a stopped VM.
func (c *Connector) StartVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.gcp.StartVM", c.spanAttrs(inst))
		defer span.End()

		op, err := c.client.Start(ctx, &computepb.StartInstanceRequest{
			Project:  c.cfg.Project,
			Zone:     c.cfg.Zone,
			Instance: inst.Name(),
		})
		return c.await(ctx, span, "start instance "+inst.Name(), op, err)
	})
}

// StopVM stops a VM, keeping its disk.
func (c *Connector) StopVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.gcp.StopVM", c.spanAttrs(inst))
		defer span.End()

		op, err := c.client.Stop(ctx, &computepb.StopInstanceRequest{
			Project:  c.cfg.Project,
			Zone:     c.cfg.Zone,
			Instance: inst.Name(),
		})
		return c.await(ctx, span, "stop instance "+inst.Name(), op, err)
	})
}

// RestartVM resets a VM.
func (c *Connector) RestartVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.gcp.RestartVM", c.spanAttrs(inst))
		defer span.End()

		op, err := c.client.Reset(ctx, &computepb.ResetInstanceRequest{
			Project:  c.cfg.Project,
			Zone:     c.cfg.Zone,
			Instance: inst.Name(),
		})
		return c.await(ctx, span, "reset instance "+inst.Name(), op, err)
	})
}

// DeleteVM permanently deletes a VM.  Deleting a VM that no longer exists
// succeeds.
func (c *Connector) DeleteVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.gcp.DeleteVM", c.spanAttrs(inst))
		defer span.End()

		c.logger.Info("deleting VM", slog.String("name", inst.Name()))
		op, err := c.client.Delete(ctx, &computepb.DeleteInstanceRequest{
			Project:  c.cfg.Project,
			Zone:     c.cfg.Zone,
			Instance: inst.Name(),
		})
		if err == nil {
			err = op.Wait(ctx)
		}
		if isNotFound(err) {
			// Also covers a 404 during wait -- race between delete and check.
			span.AddEvent("instance already deleted (idempotent)")
			c.logger.Info("VM already deleted", slog.String("name", inst.Name()))
			return nil
		}
		if err != nil {
			span.RecordError(err)
			return providerError("delete instance "+inst.Name(), err)
		}
		return nil
	})
}

// await waits for a zonal operation that was issued with the given error.
func (c *Connector) await(ctx context.Context, span trace.Span, what string, op operationWaiter, err error) error {
	if err == nil {
		span.AddEvent("waiting for GCP operation")
		err = op.Wait(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return providerError(what, err)
	}
	return nil
}

func (c *Connector) spanAttrs(inst *cloud.Instance) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("instance.name", inst.Name()),
		attribute.String("gcp.project", c.cfg.Project),
		attribute.String("gcp.zone", c.cfg.Zone),
	)
}

func (c *Connector) instanceResource(inst *cloud.Instance, tmpl Template, data cloud.UserData) *computepb.Instance {
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", c.cfg.Zone, tmpl.MachineType)

	// Boot disk from the pre-built agent image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(tmpl.SourceImage),
			DiskSizeGb:  proto.Int64(tmpl.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/%s", c.cfg.Zone, tmpl.DiskType)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", tmpl.Network)),
	}
	if tmpl.Subnet != "" {
		nic.Subnetwork = proto.String(tmpl.Subnet)
	}
	if tmpl.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// Sorted so that identical user data yields identical requests.
	var items []*computepb.Items
	for _, key := range slices.Sorted(maps.Keys(data.Parameters)) {
		items = append(items, &computepb.Items{
			Key:   proto.String(key),
			Value: proto.String(data.Parameters[key]),
		})
	}

	labels := maps.Clone(tmpl.Labels)
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	labels[ImageLabel] = labelValue(inst.ImageName())

	resource := &computepb.Instance{
		Name:              proto.String(inst.Name()),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            labels,
	}

	if tmpl.ServiceAccount != "" {
		resource.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(tmpl.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return resource
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// statusFromGCP maps a Compute Engine instance status.  SUSPENDED maps
// to unknown: Start does not resume a suspended VM, so it must not be
// offered for reuse.
func statusFromGCP(s string) cloud.InstanceStatus {
	switch s {
	case "PROVISIONING", "STAGING":
		return cloud.StatusStarting
	case "RUNNING":
		return cloud.StatusRunning
	case "STOPPING", "SUSPENDING":
		return cloud.StatusStopping
	case "STOPPED", "TERMINATED":
		return cloud.StatusStopped
	case "REPAIRING":
		return cloud.StatusError
	default:
		return cloud.StatusUnknown
	}
}

// labelValue lower-cases name and replaces characters GCP does not allow
// in label values.
func labelValue(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
}

// providerError wraps err with the API's error reason when there is one.
func providerError(op string, err error) error {
	perr := &cloud.ProviderError{Op: op, Err: err}
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		perr.Code = apiErr.Reason()
		if perr.Code == "" && apiErr.HTTPCode() > 0 {
			perr.Code = strconv.Itoa(apiErr.HTTPCode())
		}
	}
	return perr
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() == 404 {
		return true
	}
	// Operation errors are not always typed; fall back to the message.
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
