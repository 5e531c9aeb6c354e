package cloud

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is wrapped by StartNewInstance when the image is
// already running its maximum number of instances.
var ErrQuotaExceeded = errors.New("instance limit reached")

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	// KindCapacityExceeded is a refusal to start beyond the image limit.
	KindCapacityExceeded ErrorKind = "capacity_exceeded"

	// KindDiscovery is a failed provider listing during image construction.
	KindDiscovery ErrorKind = "discovery"

	// KindProvisioning is a failed create/start/stop/restart/delete call.
	KindProvisioning ErrorKind = "provisioning"

	// KindCompensation is a failed cleanup delete issued after a failed
	// create.  It is never retried.
	KindCompensation ErrorKind = "compensation"
)

// ErrorInfo is an immutable record of one failure, attached to an
// instance or an image so operators can see what went wrong.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NewErrorInfo builds an ErrorInfo from err.  If err carries a
// ProviderError its code is kept.
func NewErrorInfo(kind ErrorKind, err error) ErrorInfo {
	info := ErrorInfo{
		Kind: kind,
		Time: time.Now().UTC(),
	}
	if err == nil {
		info.Message = "unknown error"
		return info
	}
	info.Message = err.Error()

	var perr *ProviderError
	if errors.As(err, &perr) {
		info.Code = perr.Code
	}
	return info
}

func (e ErrorInfo) String() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ProviderError is returned by connectors when the provider rejected a
// call with a recognisable status code.
type ProviderError struct {
	Op   string
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
