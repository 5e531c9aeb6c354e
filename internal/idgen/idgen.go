// Package idgen supplies the unique suffixes used to name new machines.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
)

// Provider returns a globally unique id on every call.
type Provider interface {
	NextID() string
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func() string

// NextID calls f.
func (f ProviderFunc) NextID() string { return f() }

// UUID returns the first eight hex characters of a random UUID, which is
// short enough for machine names and still unlikely to collide within a
// single pool.
func UUID() Provider {
	return ProviderFunc(func() string {
		return uuid.NewString()[:8]
	})
}

// CUID returns collision-resistant ids of the given length.  Cuid2 ids
// are lower-case and start with a letter, which keeps them valid as
// cloud resource names.
func CUID(length int) (Provider, error) {
	generate, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("cuid2 init: %w", err)
	}
	return ProviderFunc(generate), nil
}

// New returns the provider selected by kind ("uuid" or "cuid").
func New(kind string, length int) (Provider, error) {
	switch strings.ToLower(kind) {
	case "", "uuid":
		return UUID(), nil
	case "cuid":
		if length == 0 {
			length = 10
		}
		return CUID(length)
	default:
		return nil, fmt.Errorf("unknown id generator %q (supported: uuid, cuid)", kind)
	}
}
