package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/dc-tec/ota-deploy-state/internal/authplus"
	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
	"github.com/dc-tec/ota-deploy-state/internal/vault"
)

var testScheme = func() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	return scheme
}()

var errUnreachable = operrors.NewTransportError("test", 0, errors.New("dial tcp: connection refused"))

// stubAuthPlus answers every call with err, or blocks until the context ends
// when block is set.
type stubAuthPlus struct {
	err   error
	block bool
}

func (s *stubAuthPlus) wait(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return operrors.WrapTransientConnection(ctx.Err())
	}
	return s.err
}

func (s *stubAuthPlus) InitStatus(ctx context.Context) (authplus.InitStatus, error) {
	return authplus.InitStatus{}, s.wait(ctx)
}

func (s *stubAuthPlus) Initialize(ctx context.Context, _ authplus.ClientMetadata) (authplus.OAuthClient, error) {
	return authplus.OAuthClient{}, s.wait(ctx)
}

func (s *stubAuthPlus) Token(ctx context.Context, _ authplus.OAuthClient) (authplus.AccessToken, error) {
	return authplus.AccessToken{}, s.wait(ctx)
}

func (s *stubAuthPlus) SetToken(string) {}

func (s *stubAuthPlus) GetClient(ctx context.Context, _ string) (authplus.OAuthClient, error) {
	return authplus.OAuthClient{}, s.wait(ctx)
}

func (s *stubAuthPlus) CreateClient(ctx context.Context, _ authplus.ClientMetadata) (authplus.OAuthClient, error) {
	return authplus.OAuthClient{}, s.wait(ctx)
}

// stubVault reports itself initialised when initialized is set and fails every
// other call.
type stubVault struct {
	initialized bool
	err         error
}

func (s *stubVault) InitStatus(context.Context) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.initialized, nil
}

func (s *stubVault) Init(context.Context, int, int) (vault.InitCredentials, error) {
	return vault.InitCredentials{}, errUnreachable
}

func (s *stubVault) SealStatus(context.Context) (vault.SealStatus, error) {
	return vault.SealStatus{}, errUnreachable
}

func (s *stubVault) Unseal(context.Context, string) (vault.SealStatus, error) {
	return vault.SealStatus{}, errUnreachable
}

func (s *stubVault) SetToken(string)                                     {}
func (s *stubVault) PutPolicy(context.Context, string, string) error     { return errUnreachable }
func (s *stubVault) MountExists(context.Context, string) error           { return errUnreachable }
func (s *stubVault) Mount(context.Context, string, string) error         { return errUnreachable }
func (s *stubVault) LookupToken(context.Context, string) (vault.TokenInfo, error) {
	return vault.TokenInfo{}, errUnreachable
}

func (s *stubVault) CreateToken(context.Context, vault.TokenRequest) (string, error) {
	return "", errUnreachable
}

func writeVaults(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "vaults.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testConfig(t *testing.T) config.Controller {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Namespace = "ota"
	cfg.CheckpointDir = dir
	cfg.TickTimeout = 5 * time.Second
	cfg.Retry.Attempts = 1
	cfg.Retry.Delay = 0
	cfg.AuthPlus.ClientsFile = filepath.Join(dir, "clients.json")
	cfg.Vault.ConfigFile = writeVaults(t, dir, `{
		// two instances
		"vaults": [
			{"name": "tuf", "url": "http://tuf-vault:8200"},
			{"name": "crypt", "url": "http://crypt-vault:8200"},
		]
	}`)
	return cfg
}

func newTestPoller(cfg config.Controller, ap authplus.API, backends map[string]vault.Backend) *Poller {
	return NewPoller(PollerOptions{
		Config: cfg,
		Client: fake.NewClientBuilder().WithScheme(testScheme).Build(),
		NewAuthPlus: func(string) (authplus.API, error) {
			return ap, nil
		},
		NewVault: func(spec config.VaultSpec) (vault.Backend, error) {
			backend, ok := backends[spec.Name]
			if !ok {
				return nil, errors.New("unexpected instance " + spec.Name)
			}
			return backend, nil
		},
	}, logr.Discard())
}

func TestTickRunsEveryReconciler(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPoller(cfg, &stubAuthPlus{err: errUnreachable}, map[string]vault.Backend{
		"tuf":   &stubVault{err: errUnreachable},
		"crypt": &stubVault{initialized: true},
	})

	summary := p.Tick(context.Background())

	assert.False(t, summary.Skipped)
	assert.NotEmpty(t, summary.ID)
	require.Len(t, summary.Results, 3)

	assert.Equal(t, constants.BackendAuthPlus, summary.Results[0].Backend)
	assert.Equal(t, "unavailable", summary.Results[0].Phase)

	assert.Equal(t, "crypt", summary.Results[1].Instance)
	assert.Equal(t, "needsManualIntervention", summary.Results[1].Phase, "init secret is missing")
	assert.ErrorIs(t, summary.Results[1].Err, operrors.ErrNotFoundInStore)

	assert.Equal(t, "tuf", summary.Results[2].Instance)
	assert.Equal(t, "unavailable", summary.Results[2].Phase)

	assert.True(t, summary.NeedsManualIntervention())
	assert.Error(t, summary.Err())
}

func TestTickSkipsWhenPreviousTickRuns(t *testing.T) {
	p := newTestPoller(testConfig(t), &stubAuthPlus{}, nil)
	p.running.Lock()
	defer p.running.Unlock()

	summary := p.Tick(context.Background())

	assert.True(t, summary.Skipped)
	assert.Empty(t, summary.Results)
}

func TestTickDeadlineBoundsStuckReconcilers(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickTimeout = 100 * time.Millisecond
	cfg.Vault.Enabled = false
	p := newTestPoller(cfg, &stubAuthPlus{block: true}, nil)

	start := time.Now()
	summary := p.Tick(context.Background())

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "unavailable", summary.Results[0].Phase)
	assert.ErrorIs(t, summary.Results[0].Err, context.DeadlineExceeded)
}

func TestTickInvalidVaultConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthPlus.Enabled = false
	cfg.Vault.ConfigFile = writeVaults(t, t.TempDir(), `{"vaults": [{"name": "", "url": "http://vault"}]}`)
	p := newTestPoller(cfg, nil, nil)

	summary := p.Tick(context.Background())

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "*", summary.Results[0].Instance)
	assert.ErrorIs(t, summary.Results[0].Err, operrors.ErrInvalidConfiguration)
	assert.True(t, summary.NeedsManualIntervention())
}

func TestTickClientFactoryFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.Enabled = false
	p := NewPoller(PollerOptions{
		Config: cfg,
		Client: fake.NewClientBuilder().WithScheme(testScheme).Build(),
		NewAuthPlus: func(string) (authplus.API, error) {
			return nil, errors.New("missing scheme")
		},
	}, logr.Discard())

	summary := p.Tick(context.Background())

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "needsManualIntervention", summary.Results[0].Phase)
	assert.ErrorIs(t, summary.Results[0].Err, operrors.ErrInvalidConfiguration)
}

func TestTickDisabledBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthPlus.Enabled = false
	cfg.Vault.Enabled = false

	summary := newTestPoller(cfg, nil, nil).Tick(context.Background())

	assert.Empty(t, summary.Results)
	assert.NoError(t, summary.Err())
	assert.False(t, summary.NeedsManualIntervention())
}

func TestTriggerCoalesces(t *testing.T) {
	p := newTestPoller(testConfig(t), nil, nil)

	p.Trigger()
	p.Trigger()

	assert.Len(t, p.trigger, 1)
}

func TestStartRunsInitialTickAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = "@every 1h"
	cfg.Vault.Enabled = false
	ap := &countingAuthPlus{}
	p := newTestPoller(cfg, ap, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool { return ap.calls.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = "whenever"

	assert.Error(t, newTestPoller(cfg, nil, nil).Start(context.Background()))
}

type countingAuthPlus struct {
	stubAuthPlus
	calls atomic.Int32
}

func (c *countingAuthPlus) InitStatus(ctx context.Context) (authplus.InitStatus, error) {
	c.calls.Add(1)
	return authplus.InitStatus{}, errUnreachable
}
