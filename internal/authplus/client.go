// Package authplus reconciles the AuthPlus OAuth2 client-registration server:
// bootstrap of the admin client and convergence of the declared clients.
package authplus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// API is the subset of the AuthPlus HTTP API used by the reconciler.
type API interface {
	InitStatus(ctx context.Context) (InitStatus, error)
	Initialize(ctx context.Context, admin ClientMetadata) (OAuthClient, error)
	Token(ctx context.Context, client OAuthClient) (AccessToken, error)
	SetToken(token string)
	GetClient(ctx context.Context, clientID string) (OAuthClient, error)
	CreateClient(ctx context.Context, metadata ClientMetadata) (OAuthClient, error)
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// BaseURL is the AuthPlus API URL (e.g., "http://ota-auth-plus").
	BaseURL string
	// ConnectionTimeout is the timeout for establishing connections.
	// Defaults to constants.DefaultConnectionTimeout if zero.
	ConnectionTimeout time.Duration
	// RequestTimeout is the timeout for individual requests.
	// Defaults to constants.DefaultRequestTimeout if zero.
	RequestTimeout time.Duration

	// GuardDisabled turns off rate limiting and the skipping of failing routes.
	GuardDisabled bool
	// RateLimitQPS is the per-endpoint rate limit. Defaults to 10 if zero or negative.
	RateLimitQPS float64
	// RateLimitBurst is the burst size for the rate limiter. Defaults to 20.
	RateLimitBurst int
	// FailureThreshold is the number of consecutive failures of one route after
	// which calls to it are skipped. Defaults to 50.
	FailureThreshold int
	// FailureCooldown is how long a failing route is skipped. Defaults to 30s.
	FailureCooldown time.Duration
}

// Client talks to the AuthPlus HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	guard      *hostGuard

	mu    sync.RWMutex
	token string
}

var _ API = (*Client)(nil)

// NewClient creates a new AuthPlus API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL %q: %w", config.BaseURL, err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid baseURL %q: scheme and host are required", config.BaseURL)
	}

	connectionTimeout := config.ConnectionTimeout
	if connectionTimeout == 0 {
		connectionTimeout = constants.DefaultConnectionTimeout
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = constants.DefaultRequestTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: connectionTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	var guard *hostGuard
	if !config.GuardDisabled {
		guard = guardFor(parsedURL.Host, config)
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		guard: guard,
	}, nil
}

// SetToken caches the bearer token used for client registration calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// InitStatus reports whether AuthPlus has been bootstrapped.
func (c *Client) InitStatus(ctx context.Context) (InitStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, constants.APIPathAuthPlusInit, nil)
	if err != nil {
		return InitStatus{}, fmt.Errorf("failed to create init status request: %w", err)
	}

	var status InitStatus
	if err := c.doJSON(req, constants.APIPathAuthPlusInit, "failed to query init status", &status); err != nil {
		return InitStatus{}, err
	}
	return status, nil
}

// Initialize bootstraps AuthPlus and returns the admin client. The response
// carries the admin client secret and must never be logged.
func (c *Client) Initialize(ctx context.Context, admin ClientMetadata) (OAuthClient, error) {
	var created OAuthClient
	if err := c.postJSON(ctx, constants.APIPathAuthPlusInit, admin, "failed to initialize auth plus", &created); err != nil {
		return OAuthClient{}, err
	}
	return created, nil
}

// Token mints an access token for client using the client credentials grant.
func (c *Client) Token(ctx context.Context, client OAuthClient) (AccessToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := c.newRequest(ctx, http.MethodPost, constants.APIPathAuthPlusToken, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(client.ClientID, client.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token AccessToken
	if err := c.doJSON(req, constants.APIPathAuthPlusToken, "failed to obtain access token", &token); err != nil {
		return AccessToken{}, err
	}
	if token.AccessToken == "" {
		return AccessToken{}, operrors.WrapDecodeFailure(fmt.Errorf("token response carries no access_token"))
	}
	return token, nil
}

// GetClient fetches a registered client by id. An unknown id yields an error
// matching ErrNotFoundInBackend.
func (c *Client) GetClient(ctx context.Context, clientID string) (OAuthClient, error) {
	route := constants.APIPathAuthPlusClients + "/{id}"
	req, err := c.newRequest(ctx, http.MethodGet, constants.APIPathAuthPlusClients+"/"+url.PathEscape(clientID), nil)
	if err != nil {
		return OAuthClient{}, fmt.Errorf("failed to create client request: %w", err)
	}
	c.authorize(req)

	var client OAuthClient
	if err := c.doJSON(req, route, "failed to fetch client", &client); err != nil {
		if te, ok := operrors.AsTransport(err); ok && te.StatusCode == http.StatusNotFound {
			return OAuthClient{}, fmt.Errorf("%w: %w", operrors.ErrNotFoundInBackend, err)
		}
		return OAuthClient{}, err
	}
	return client, nil
}

// CreateClient registers a new client and returns it with its secret.
func (c *Client) CreateClient(ctx context.Context, metadata ClientMetadata) (OAuthClient, error) {
	var created OAuthClient
	if err := c.postJSON(ctx, constants.APIPathAuthPlusClients, metadata, "failed to create client", &created); err != nil {
		return OAuthClient{}, err
	}
	if created.ClientID == "" {
		return OAuthClient{}, operrors.WrapDecodeFailure(fmt.Errorf("create client %q: response carries no client_id", metadata.ClientName))
	}
	return created, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, op string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", op, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.doJSON(req, path, op, out)
}

func (c *Client) authorize(req *http.Request) {
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
