package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileProvider resolves "file:///path/to/secret" references from the
// filesystem, for mounted secrets (docker secrets, k8s volumes).
// Trailing whitespace is trimmed.
type FileProvider struct{}

func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, fmt.Errorf("%w: file provider only handles file:// references, got %q", ErrNotFound, ref)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty secret file path", ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: secret file %q does not exist", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading secret file %q: %w", path, err)
	}
	value := strings.TrimRight(string(data), "\r\n\t ")
	if value == "" {
		return nil, fmt.Errorf("%w: secret file %q is empty", ErrNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
