// Package secrets resolves opaque credential references for the egress
// proxy. The sandbox never sees raw secret material: jobs carry only
// references, and resolution happens host-side at request time.
package secrets

import (
	"context"
	"fmt"
)

// Secret holds resolved credential material. Never serialize it into
// responses, events, or logs.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// Provider resolves credential references. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Resolve maps a reference such as "env://API_KEY" or
	// "vault://secret/data/github#token" to secret material. Returns
	// ErrNotFound when the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name identifies the provider in logs. Never includes secrets.
	Name() string
}

// ErrNotFound is returned when a credential reference cannot be resolved.
var ErrNotFound = fmt.Errorf("secret not found")
