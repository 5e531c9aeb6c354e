// Package events publishes instance lifecycle changes (status
// transitions and recorded failures) to external sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/terrpan/agentpool/internal/cloud"
)

// Event describes one change to an instance.
type Event struct {
	Image    string               `json:"image"`
	Instance string               `json:"instance"`
	From     cloud.InstanceStatus `json:"from,omitempty"`
	To       cloud.InstanceStatus `json:"to,omitempty"`
	Error    *cloud.ErrorInfo     `json:"error,omitempty"`
	Time     time.Time            `json:"time"`
}

// Sink receives events.  Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Publish sends ev to each sink in order.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var err error
	for _, s := range m {
		err = errors.Join(err, s.Publish(ctx, ev))
	}
	return err
}
