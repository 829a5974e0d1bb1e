package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"golang.org/x/time/rate"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

const (
	defaultRateLimitQPS   = 10.0
	defaultRateLimitBurst = 20
)

// Backend is the subset of the Vault API used by the reconciler.
type Backend interface {
	InitStatus(ctx context.Context) (bool, error)
	Init(ctx context.Context, shares, threshold int) (InitCredentials, error)
	SealStatus(ctx context.Context) (SealStatus, error)
	Unseal(ctx context.Context, key string) (SealStatus, error)
	SetToken(token string)
	PutPolicy(ctx context.Context, name, rules string) error
	// MountExists returns nil when a secrets engine is mounted at path.
	MountExists(ctx context.Context, path string) error
	Mount(ctx context.Context, path, engineType string) error
	CreateToken(ctx context.Context, req TokenRequest) (string, error)
	LookupToken(ctx context.Context, token string) (TokenInfo, error)
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// Address is the Vault API URL (e.g., "http://vault:8200").
	Address string
	// RequestTimeout is the timeout for individual requests.
	// Defaults to constants.DefaultRequestTimeout if zero.
	RequestTimeout time.Duration
	// RateLimitQPS is the client-side rate limit. Defaults to 10 if zero or negative.
	RateLimitQPS float64
	// RateLimitBurst is the burst size for the rate limiter. Defaults to 20.
	RateLimitBurst int
}

// Client implements Backend on top of the official Vault API client.
type Client struct {
	api *vaultapi.Client
}

var _ Backend = (*Client)(nil)

// NewClient creates a Vault client for one instance. Retries are disabled in
// the underlying client; mutating calls are retried by the reconciler.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = constants.DefaultRequestTimeout
	}
	qps := cfg.RateLimitQPS
	if qps <= 0 {
		qps = defaultRateLimitQPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	conf := vaultapi.DefaultConfig()
	if conf.Error != nil {
		return nil, fmt.Errorf("failed to build vault client config: %w", conf.Error)
	}
	conf.Address = cfg.Address
	conf.Timeout = timeout
	conf.MaxRetries = 0
	conf.Limiter = rate.NewLimiter(rate.Limit(qps), burst)

	client, err := vaultapi.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client for %s: %w", cfg.Address, err)
	}
	// Ignore VAULT_TOKEN from the environment; the root token is loaded from the store.
	client.ClearToken()

	return &Client{api: client}, nil
}

// SetToken sets the token sent as X-Vault-Token on authenticated calls.
func (c *Client) SetToken(token string) {
	c.api.SetToken(token)
}

// InitStatus reports whether Vault has been initialised.
func (c *Client) InitStatus(ctx context.Context) (bool, error) {
	initialized, err := c.api.Sys().InitStatusWithContext(ctx)
	if err != nil {
		return false, wrapError("query init status", err)
	}
	return initialized, nil
}

// Init initialises Vault with Shamir key shares. The response carries the root
// token and the unseal keys and must never be logged.
func (c *Client) Init(ctx context.Context, shares, threshold int) (InitCredentials, error) {
	resp, err := c.api.Sys().InitWithContext(ctx, &vaultapi.InitRequest{
		SecretShares:    shares,
		SecretThreshold: threshold,
	})
	if err != nil {
		return InitCredentials{}, wrapError("initialize", err)
	}
	return InitCredentials{
		Keys:       resp.Keys,
		KeysBase64: resp.KeysB64,
		RootToken:  resp.RootToken,
	}, nil
}

// SealStatus returns the current seal state.
func (c *Client) SealStatus(ctx context.Context) (SealStatus, error) {
	resp, err := c.api.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return SealStatus{}, wrapError("query seal status", err)
	}
	return toSealStatus(resp), nil
}

// Unseal submits one key share.
func (c *Client) Unseal(ctx context.Context, key string) (SealStatus, error) {
	resp, err := c.api.Sys().UnsealWithContext(ctx, key)
	if err != nil {
		return SealStatus{}, wrapError("submit unseal key", err)
	}
	return toSealStatus(resp), nil
}

// PutPolicy creates or replaces a policy.
func (c *Client) PutPolicy(ctx context.Context, name, rules string) error {
	if err := c.api.Sys().PutPolicyWithContext(ctx, name, rules); err != nil {
		return wrapError(fmt.Sprintf("write policy %q", name), err)
	}
	return nil
}

// MountExists looks up the tune configuration of the mount at path. Vault
// answers with an error response when nothing is mounted there.
func (c *Client) MountExists(ctx context.Context, path string) error {
	if _, err := c.api.Sys().MountConfigWithContext(ctx, mountPath(path)); err != nil {
		return wrapError(fmt.Sprintf("look up mount %q", path), err)
	}
	return nil
}

// Mount enables a secrets engine of engineType at path.
func (c *Client) Mount(ctx context.Context, path, engineType string) error {
	if err := c.api.Sys().MountWithContext(ctx, mountPath(path), &vaultapi.MountInput{Type: engineType}); err != nil {
		return wrapError(fmt.Sprintf("mount %q", path), err)
	}
	return nil
}

// CreateToken creates a token and returns its value.
func (c *Client) CreateToken(ctx context.Context, req TokenRequest) (string, error) {
	secret, err := c.api.Auth().Token().CreateWithContext(ctx, &vaultapi.TokenCreateRequest{
		ID:          req.ID,
		Policies:    req.Policies,
		Period:      req.Period,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return "", wrapError(fmt.Sprintf("create token %q", req.DisplayName), err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return "", operrors.WrapDecodeFailure(fmt.Errorf("create token %q: response carries no client_token", req.DisplayName))
	}
	return secret.Auth.ClientToken, nil
}

// LookupToken returns the remaining TTL and metadata of token.
func (c *Client) LookupToken(ctx context.Context, token string) (TokenInfo, error) {
	secret, err := c.api.Auth().Token().LookupWithContext(ctx, token)
	if err != nil {
		return TokenInfo{}, wrapError("look up token", err)
	}
	if secret == nil {
		return TokenInfo{}, fmt.Errorf("look up token: %w", operrors.ErrNotFoundInBackend)
	}

	ttl, err := secret.TokenTTL()
	if err != nil {
		return TokenInfo{}, operrors.WrapDecodeFailure(fmt.Errorf("look up token: invalid ttl: %w", err))
	}
	policies, err := secret.TokenPolicies()
	if err != nil {
		return TokenInfo{}, operrors.WrapDecodeFailure(fmt.Errorf("look up token: invalid policies: %w", err))
	}
	displayName, _ := secret.Data["display_name"].(string)

	return TokenInfo{TTL: ttl, Policies: policies, DisplayName: displayName}, nil
}

func toSealStatus(resp *vaultapi.SealStatusResponse) SealStatus {
	if resp == nil {
		return SealStatus{Sealed: true}
	}
	return SealStatus{
		Sealed:    resp.Sealed,
		Threshold: resp.T,
		Shares:    resp.N,
		Progress:  resp.Progress,
		Version:   resp.Version,
	}
}

// mountPath strips the slashes the declared configuration carries around mount
// paths; the API client adds its own separators.
func mountPath(path string) string {
	return strings.Trim(path, "/")
}

// wrapError converts Vault client errors into TransportErrors so callers can
// tell an error response from a failure to reach Vault.
func wrapError(op string, err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		wrapped := operrors.NewTransportError(constants.BackendVault, respErr.StatusCode, fmt.Errorf("%s: %w", op, err))
		if respErr.StatusCode == 404 {
			return fmt.Errorf("%w: %w", operrors.ErrNotFoundInBackend, wrapped)
		}
		return wrapped
	}
	return operrors.NewTransportError(constants.BackendVault, 0, fmt.Errorf("%s: %w", op, err))
}
