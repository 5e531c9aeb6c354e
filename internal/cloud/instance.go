package cloud

import (
	"maps"
	"sync"
	"time"
)

// UserData is handed to a new machine so the build agent on it can
// register itself.  Parameters end up as instance metadata (GCP) or
// environment variables (Docker).
type UserData struct {
	AgentName  string
	Parameters map[string]string
}

// VMNameParameter carries the allocated machine name inside UserData.
const VMNameParameter = "AGENTPOOL_VM_NAME"

// WithVMName returns a copy of d that also carries the machine name, so
// the agent can report which machine it runs on.
func (d UserData) WithVMName(name string) UserData {
	params := make(map[string]string, len(d.Parameters)+1)
	maps.Copy(params, d.Parameters)
	params[VMNameParameter] = name
	return UserData{
		AgentName:  d.AgentName,
		Parameters: params,
	}
}

// Instance is the in-memory handle to one managed machine.  The owning
// image is referenced by name only.
//
// Status and errors are mutated by the owning image from completion
// goroutines, so every accessor takes the instance lock.
type Instance struct {
	name      string
	imageName string

	mu              sync.RWMutex
	status          InstanceStatus
	statusChangedAt time.Time
	errors          []ErrorInfo
	userData        UserData
}

// NewInstance creates an instance handle in the given status.
func NewInstance(imageName, name string, status InstanceStatus) *Instance {
	return &Instance{
		name:            name,
		imageName:       imageName,
		status:          status,
		statusChangedAt: time.Now().UTC(),
	}
}

// ID returns the identifier of the instance within its image.  It is
// derived from the machine name.
func (i *Instance) ID() string { return i.name }

// Name returns the provider-side machine name.
func (i *Instance) Name() string { return i.name }

// ImageName returns the name of the owning image.
func (i *Instance) ImageName() string { return i.imageName }

// Status returns the current status.
func (i *Instance) Status() InstanceStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// StatusChangedAt returns when the status last changed.
func (i *Instance) StatusChangedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.statusChangedAt
}

// SetStatus sets the status and returns the previous one.
func (i *Instance) SetStatus(status InstanceStatus) InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.status
	if prev != status {
		i.status = status
		i.statusChangedAt = time.Now().UTC()
	}
	return prev
}

// Errors returns a copy of the recorded errors, oldest first.
func (i *Instance) Errors() []ErrorInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]ErrorInfo, len(i.errors))
	copy(out, i.errors)
	return out
}

// AppendError records a failure.  Errors are never removed.
func (i *Instance) AppendError(info ErrorInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errors = append(i.errors, info)
}

// UserData returns the user data the instance was last created with.
func (i *Instance) UserData() UserData {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userData
}

// SetUserData records the user data handed to the provider.
func (i *Instance) SetUserData(d UserData) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userData = d
}
