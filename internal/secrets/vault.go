package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultProvider resolves "vault://secret/data/path#field" references
// from HashiCorp Vault KV v2 over its HTTP API, with token auth.
// The optional #field selects a single key; without it the whole data
// map is returned as JSON. Safe for concurrent use.
type VaultProvider struct {
	address string
	token   string
	client  *http.Client
}

// NewVaultProvider builds a provider for the given Vault server.
// Empty address/token fall back to VAULT_ADDR / VAULT_TOKEN.
func NewVaultProvider(address, token string, timeout time.Duration) (*VaultProvider, error) {
	if address == "" {
		address = os.Getenv("VAULT_ADDR")
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VaultProvider{
		address: strings.TrimRight(address, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references, got %q", ErrNotFound, ref)
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data":{"data":{...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrNotFound, path)
	}

	metadata := map[string]string{"source": "vault", "path": path}
	if field != "" {
		val, ok := data[field].(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrNotFound, field, path)
		}
		metadata["field"] = field
		return &Secret{Value: val, Metadata: metadata}, nil
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling vault data: %w", err)
	}
	return &Secret{Value: string(blob), Metadata: metadata}, nil
}
