package cloud

// InstanceStatus is the lifecycle status of a managed machine.  Valid
// values are the Status… constants defined in this package.  Connectors
// translate provider-specific states into one of them.
type InstanceStatus string

const (
	// StatusScheduledToStart is set when a create or reuse-start request
	// has been issued but not yet confirmed by the provider.
	StatusScheduledToStart InstanceStatus = "scheduled_to_start"

	// StatusStarting is reported by the provider while a machine boots.
	StatusStarting InstanceStatus = "starting"

	// StatusRunning is only ever set by reconciliation with the provider.
	StatusRunning InstanceStatus = "running"

	// StatusRestarting is set when a restart request has been issued.  It
	// stays until reconciliation reports the real state.
	StatusRestarting InstanceStatus = "restarting"

	// StatusScheduledToStop is set when a stop or delete request has been
	// issued.
	StatusScheduledToStop InstanceStatus = "scheduled_to_stop"

	// StatusStopping is reported by the provider while a machine halts.
	StatusStopping InstanceStatus = "stopping"

	// StatusStopped means the machine is halted (or deleted).
	StatusStopped InstanceStatus = "stopped"

	// StatusError means the last operation failed.  It is not terminal:
	// a new request may still be issued against the instance.
	StatusError InstanceStatus = "error"

	// StatusUnknown is used for provider states with no mapping.
	StatusUnknown InstanceStatus = "unknown"
)

// IsStartingOrStarted reports whether an instance in this status counts
// against the image's capacity.
func (s InstanceStatus) IsStartingOrStarted() bool {
	switch s {
	case StatusScheduledToStart, StatusStarting, StatusRunning, StatusRestarting:
		return true
	default:
		return false
	}
}

// IsStopped reports whether the instance can be reused by starting it.
func (s InstanceStatus) IsStopped() bool {
	return s == StatusStopped
}

func (s InstanceStatus) String() string {
	return string(s)
}
