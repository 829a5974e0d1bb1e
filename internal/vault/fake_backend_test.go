package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// fakeBackend is an in-memory Vault.
type fakeBackend struct {
	mu sync.Mutex

	initialized bool
	sealed      bool
	threshold   int
	progress    int
	rootToken   string
	token       string

	policies map[string]string
	mounts   map[string]string
	tokens   map[string]TokenInfo

	submitted       []string
	initShares      int
	initThreshold   int
	initStatusCalls int
	initCalls       int
	createCalls     int
	createRequests  []TokenRequest

	initStatusErr   error
	mountErr        error
	lookupErr       error
	lookupCalls     int
	failCreateToken bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rootToken: "root-token",
		policies:  map[string]string{},
		mounts:    map[string]string{},
		tokens:    map[string]TokenInfo{},
	}
}

func backendError(status int, msg string) error {
	return operrors.NewTransportError(constants.BackendVault, status, errors.New(msg))
}

func (f *fakeBackend) InitStatus(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initStatusCalls++
	if f.initStatusErr != nil {
		return false, f.initStatusErr
	}
	return f.initialized, nil
}

func (f *fakeBackend) Init(_ context.Context, shares, threshold int) (InitCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initialized {
		return InitCredentials{}, backendError(400, "already initialized")
	}
	f.initialized = true
	f.sealed = true
	f.threshold = threshold
	f.initShares, f.initThreshold = shares, threshold

	creds := InitCredentials{RootToken: f.rootToken}
	for i := 1; i <= shares; i++ {
		creds.Keys = append(creds.Keys, fmt.Sprintf("hex-%d", i))
		creds.KeysBase64 = append(creds.KeysBase64, fmt.Sprintf("key-%d", i))
	}
	return creds, nil
}

func (f *fakeBackend) SealStatus(context.Context) (SealStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SealStatus{Sealed: f.sealed, Threshold: f.threshold, Progress: f.progress}, nil
}

func (f *fakeBackend) Unseal(_ context.Context, key string) (SealStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, key)
	f.progress++
	if f.progress >= f.threshold {
		f.sealed = false
		f.progress = 0
	}
	return SealStatus{Sealed: f.sealed, Threshold: f.threshold, Progress: f.progress}, nil
}

func (f *fakeBackend) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeBackend) authorized() error {
	if f.token != f.rootToken {
		return backendError(403, "permission denied")
	}
	return nil
}

func (f *fakeBackend) PutPolicy(_ context.Context, name, rules string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authorized(); err != nil {
		return err
	}
	f.policies[name] = rules
	return nil
}

func (f *fakeBackend) MountExists(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountErr != nil {
		return f.mountErr
	}
	if _, ok := f.mounts[path]; !ok {
		return backendError(400, "cannot fetch sysview for path")
	}
	return nil
}

func (f *fakeBackend) Mount(_ context.Context, path, engineType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authorized(); err != nil {
		return err
	}
	f.mounts[path] = engineType
	return nil
}

func (f *fakeBackend) CreateToken(_ context.Context, req TokenRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.createRequests = append(f.createRequests, req)
	if f.failCreateToken {
		return "", backendError(500, "internal error")
	}
	if err := f.authorized(); err != nil {
		return "", err
	}
	value := req.ID
	if value == "" {
		value = fmt.Sprintf("s.token-%d", f.createCalls)
	}
	f.tokens[value] = TokenInfo{TTL: 72 * time.Hour, Policies: req.Policies, DisplayName: "token-" + req.DisplayName}
	return value, nil
}

func (f *fakeBackend) LookupToken(_ context.Context, token string) (TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return TokenInfo{}, f.lookupErr
	}
	info, ok := f.tokens[token]
	if !ok {
		return TokenInfo{}, backendError(403, "bad token")
	}
	return info, nil
}
