package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV v2 resolver. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE override the corresponding fields.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s.
	TLSSkipVerify bool
}

// VaultResolver reads vault://<kv v2 api path>#<field> references, e.g.
// vault://secret/data/rlm#anthropic. The field may be omitted when the
// secret holds exactly one key. Uses token authentication.
type VaultResolver struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultResolver validates cfg and builds the HTTP client.
func NewVaultResolver(cfg VaultConfig) (*VaultResolver, error) {
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		cfg.Address = env
	}
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		cfg.Token = env
	}
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		cfg.Namespace = env
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VaultResolver{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (r *VaultResolver) Scheme() string { return "vault" }

func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	raw, err := locator("vault", ref)
	if err != nil {
		return "", err
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return "", &RefError{Ref: ref, Detail: "empty path", Err: ErrSecretNotFound}
	}

	data, err := r.read(ctx, ref, path)
	if err != nil {
		return "", err
	}

	if field == "" {
		if len(data) != 1 {
			keys := make([]string, 0, len(data))
			for k := range data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return "", &RefError{Ref: ref, Detail: "secret has fields " + strings.Join(keys, ", ") + "; select one with #field", Err: ErrSecretNotFound}
		}
		for k := range data {
			field = k
		}
	}
	val, ok := data[field]
	if !ok {
		return "", &RefError{Ref: ref, Detail: fmt.Sprintf("field %q not found", field), Err: ErrSecretNotFound}
	}
	str, ok := val.(string)
	if !ok || str == "" {
		return "", &RefError{Ref: ref, Detail: fmt.Sprintf("field %q is not a non-empty string", field), Err: ErrSecretNotFound}
	}
	return str, nil
}

// read fetches the data map of a KV v2 secret.
func (r *VaultResolver) read(ctx context.Context, ref, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.address+"/v1/"+path, nil)
	if err != nil {
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("building vault request: %w", err)}
	}
	req.Header.Set("X-Vault-Token", r.token)
	if r.namespace != "" {
		req.Header.Set("X-Vault-Namespace", r.namespace)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("vault request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("reading vault response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &RefError{Ref: ref, Detail: "path not found", Err: ErrSecretNotFound}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("vault access denied (check token permissions)")}
	case resp.StatusCode != http.StatusOK:
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("vault returned status %d", resp.StatusCode)}
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { ... } } }
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RefError{Ref: ref, Err: fmt.Errorf("parsing vault response: %w", err)}
	}
	if len(envelope.Data.Data) == 0 {
		return nil, &RefError{Ref: ref, Detail: "secret has no data", Err: ErrSecretNotFound}
	}
	return envelope.Data.Data, nil
}
