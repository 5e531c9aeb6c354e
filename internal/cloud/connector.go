// Package cloud defines the shared model of the agent pool: instances,
// their lifecycle status, recorded failures, and the contracts between an
// image and the provider connector that backs it.
package cloud

import "context"

// ImageDetails is the configuration of one machine template.
type ImageDetails struct {
	// Name is the stable identifier of the image.  It matches the
	// provisioning template's source name and is used to tag machines.
	Name string

	// VMNamePrefix is prepended (lower-cased) to allocated machine names.
	VMNamePrefix string

	// MaxInstances caps the number of starting or running instances.
	MaxInstances int

	// AgentPoolID associates started agents with a pool on the build
	// server.  Zero means the default pool.
	AgentPoolID int

	// DeleteAfterStop deletes machines on terminate instead of stopping
	// them for later reuse.
	DeleteAfterStop bool
}

// RealInstance is the provider's view of one machine.
type RealInstance struct {
	Name   string
	Status InstanceStatus
}

// Connector performs provider calls.  Every call except FetchInstances
// returns immediately; the returned Operation resolves on a goroutine
// owned by the connector.
type Connector interface {
	// FetchInstances lists the machines that belong to image, keyed by
	// machine name.
	FetchInstances(ctx context.Context, image ImageDetails) (map[string]RealInstance, error)

	CreateVM(ctx context.Context, instance *Instance, data UserData) Operation
	StartVM(ctx context.Context, instance *Instance) Operation
	StopVM(ctx context.Context, instance *Instance) Operation
	DeleteVM(ctx context.Context, instance *Instance) Operation
	RestartVM(ctx context.Context, instance *Instance) Operation
}

// Image is the capability set a scheduler needs from a pool of
// instances built from one template.
type Image interface {
	Name() string
	Details() ImageDetails
	CanStartNewInstance() bool
	StartNewInstance(ctx context.Context, data UserData) (*Instance, error)
	RestartInstance(ctx context.Context, instance *Instance)
	TerminateInstance(ctx context.Context, instance *Instance)
	Instances() []*Instance
	Instance(id string) (*Instance, bool)
	Errors() []ErrorInfo
}
