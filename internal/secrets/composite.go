package secrets

import (
	"context"
	"fmt"
)

// Composite chains providers and tries each in order. The first one
// that resolves the reference wins.
type Composite struct {
	providers []Provider
}

func NewComposite(providers ...Provider) *Composite {
	return &Composite{providers: providers}
}

func (p *Composite) Name() string { return "composite" }

func (p *Composite) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrNotFound, ref)
}
