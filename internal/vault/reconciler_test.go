package vault

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/dc-tec/ota-deploy-state/internal/checkpoint"
	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/constants"
	"github.com/dc-tec/ota-deploy-state/internal/diff"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
	"github.com/dc-tec/ota-deploy-state/internal/retry"
	"github.com/dc-tec/ota-deploy-state/internal/secretstore"
)

var testScheme = func() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	return scheme
}()

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) Transition(_, _, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

func (o *recordingObserver) Terminal(string, string, string)       {}
func (o *recordingObserver) AttemptsRemaining(string, string, int) {}

type harness struct {
	backend  *fakeBackend
	store    *secretstore.Store
	dir      string
	spec     config.VaultSpec
	observer *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "ota.hcl")
	require.NoError(t, os.WriteFile(policyPath, []byte(`path "ota/*" { capabilities = ["read"] }`), 0o600))

	return &harness{
		backend: newFakeBackend(),
		store:   secretstore.New(fake.NewClientBuilder().WithScheme(testScheme).Build(), "ota"),
		dir:     dir,
		spec: config.VaultSpec{
			Name:     "primary",
			URL:      "http://vault:8200",
			Policies: []config.PolicySpec{{Name: "ota", PathToPolicy: policyPath}},
			Mounts:   []config.MountSpec{{Path: "/ota-tuf/keys", Type: "kv"}},
			Tokens:   []config.TokenSpec{{DisplayName: "ota-tuf", Policies: []string{"ota"}, Period: "72h"}},
		},
		observer: &recordingObserver{},
	}
}

func (h *harness) reconciler() *Reconciler {
	return NewReconciler(Options{
		Spec:          h.spec,
		Backend:       h.backend,
		Store:         h.store,
		CheckpointDir: h.dir,
		Attempts:      4,
		Retry:         retry.Policy{Attempts: 1},
		FanOutLimit:   4,
		Observer:      h.observer,
	}, logr.Discard())
}

// seedInitialised puts the backend in an initialised, sealed state with the
// given threshold and stores five key shares.
func (h *harness) seedInitialised(t *testing.T, threshold int) InitCredentials {
	t.Helper()
	h.backend.initialized = true
	h.backend.sealed = true
	h.backend.threshold = threshold
	creds := InitCredentials{KeysBase64: keys(5), Keys: keys(5), RootToken: h.backend.rootToken}
	require.NoError(t, secretstore.Create(context.Background(), h.store, InitSecretName(h.spec.Name), nil, creds))
	return creds
}

func TestBootstrapFreshVault(t *testing.T) {
	h := newHarness(t)

	final, err := h.reconciler().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Equal(t, 1, h.backend.initCalls)
	assert.Equal(t, 5, h.backend.initShares)
	assert.Equal(t, 3, h.backend.initThreshold)
	assert.Len(t, h.backend.submitted, 3)
	assert.False(t, checkpoint.New[InitCredentials](checkpoint.VaultPath(h.dir, "primary")).Exists())

	stored, err := secretstore.Get[InitCredentials](context.Background(), h.store, "primary-vault-init")
	require.NoError(t, err)
	assert.Equal(t, "root-token", stored.Data.RootToken)
	assert.Len(t, stored.Data.KeysBase64, 5)

	assert.Equal(t, []string{
		"->unknown",
		"unknown->uninitialised",
		"uninitialised->initialised",
		"initialised->checkingSealStatus",
		"checkingSealStatus->sealed",
		"sealed->unsealed",
		"unsealed->creatingPolicies",
		"creatingPolicies->checkingMounts",
		"checkingMounts->creatingMounts",
		"creatingMounts->checkingTokens",
		"checkingTokens->creatingTokens",
		"creatingTokens->ready",
	}, h.observer.transitions)
}

func TestSealedVaultUnsealsAfterThresholdShares(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 3)

	final, err := h.reconciler().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Equal(t, []string{"key-1", "key-2", "key-3"}, h.backend.submitted)
	assert.False(t, h.backend.sealed)
}

func TestInitCheckpointIsReused(t *testing.T) {
	h := newHarness(t)
	creds := InitCredentials{KeysBase64: keys(5), RootToken: h.backend.rootToken}
	h.backend.initialized = true
	h.backend.sealed = true
	h.backend.threshold = 3
	require.NoError(t, checkpoint.New[InitCredentials](checkpoint.VaultPath(h.dir, "primary")).Save(creds))

	final, err := h.reconciler().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Zero(t, h.backend.initStatusCalls)
	assert.Zero(t, h.backend.initCalls)
	stored, err := secretstore.Get[InitCredentials](context.Background(), h.store, InitSecretName("primary"))
	require.NoError(t, err)
	assert.Equal(t, creds.KeysBase64, stored.Data.KeysBase64)
}

func TestKeysExhaustedNeedsManualIntervention(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 6)

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseNeedsManualIntervention, final.Phase)
	assert.ErrorIs(t, err, operrors.ErrKeysExhausted)
	assert.Len(t, h.backend.submitted, 5)
	assert.Equal(t, 1, h.backend.initStatusCalls, "exhausted keys are not re-probed")
}

func TestUnavailableVault(t *testing.T) {
	h := newHarness(t)
	h.backend.initStatusErr = backendError(0, "dial tcp: connection refused")

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseUnavailable, final.Phase)
	assert.True(t, operrors.IsTransientConnection(err))
}

func TestMountTransportFailureReprobesWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 3)
	h.backend.mountErr = backendError(0, "dial tcp: i/o timeout")

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseNeedsManualIntervention, final.Phase)
	assert.True(t, operrors.IsTransientConnection(err))
	assert.Equal(t, 4, h.backend.initStatusCalls, "the first probe plus three re-probes")
}

func TestTokenLookupTransportFailureReprobes(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 1)
	require.NoError(t, secretstore.Create(context.Background(), h.store, "ota-tuf", nil, TokenRecord{VaultToken: "s.existing"}))
	h.backend.lookupErr = backendError(0, "dial tcp: connection refused")

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseNeedsManualIntervention, final.Phase)
	assert.True(t, operrors.IsTransientConnection(err))
	assert.Equal(t, 4, h.backend.initStatusCalls)
	assert.Zero(t, h.backend.createCalls, "an unreachable lookup must not recreate the token")
	assert.Contains(t, h.observer.transitions, "checkingTokens->unknown")
	assert.NotContains(t, h.observer.transitions, "checkingTokens->creatingTokens")

	stored, err := secretstore.Get[TokenRecord](context.Background(), h.store, "ota-tuf")
	require.NoError(t, err)
	assert.Equal(t, "s.existing", stored.Data.VaultToken)
}

func TestMountsAreCreatedOnlyWhenAbsent(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 1)
	h.spec.Mounts = append(h.spec.Mounts, config.MountSpec{Path: "/existing", Type: "transit"})
	h.backend.mounts["/existing"] = "transit"

	final, err := h.reconciler().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Equal(t, map[string]string{"/ota-tuf/keys": "kv", "/existing": "transit"}, h.backend.mounts)
	assert.Contains(t, h.backend.policies, "ota")
}

func TestMissingPolicyFileNeedsManualIntervention(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 1)
	h.spec.Policies = []config.PolicySpec{{Name: "missing", PathToPolicy: filepath.Join(h.dir, "nope.hcl")}}

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseNeedsManualIntervention, final.Phase)
	assert.ErrorIs(t, err, operrors.ErrInvalidConfiguration)
}

func TestTokenConvergence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedInitialised(t, 1)
	h.spec.Tokens = []config.TokenSpec{
		{DisplayName: "absent", Policies: []string{"ota"}, Period: "72h"},
		{DisplayName: "store-only", Policies: []string{"ota"}, Period: "72h"},
		{DisplayName: "expiring", Policies: []string{"ota"}, Period: "72h"},
		{DisplayName: "healthy", Policies: []string{"ota"}, Period: "72h"},
	}
	require.NoError(t, secretstore.Create(ctx, h.store, "store-only", nil, TokenRecord{VaultToken: "s.lost"}))
	require.NoError(t, secretstore.Create(ctx, h.store, "expiring", nil, TokenRecord{VaultToken: "s.expiring"}))
	require.NoError(t, secretstore.Create(ctx, h.store, "healthy", nil, TokenRecord{VaultToken: "s.healthy"}))
	h.backend.tokens["s.expiring"] = TokenInfo{TTL: 5 * time.Minute}
	h.backend.tokens["s.healthy"] = TokenInfo{TTL: time.Hour}

	final, err := h.reconciler().Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Equal(t, 3, h.backend.createCalls)

	requests := map[string]TokenRequest{}
	for _, req := range h.backend.createRequests {
		requests[req.DisplayName] = req
	}
	assert.Empty(t, requests["absent"].ID)
	assert.Equal(t, "s.lost", requests["store-only"].ID, "store-only tokens keep their value")
	assert.Empty(t, requests["expiring"].ID, "expiring tokens are replaced")
	assert.NotContains(t, requests, "healthy")

	storeOnly, err := secretstore.Get[TokenRecord](ctx, h.store, "store-only")
	require.NoError(t, err)
	assert.Equal(t, "s.lost", storeOnly.Data.VaultToken)

	expiring, err := secretstore.Get[TokenRecord](ctx, h.store, "expiring")
	require.NoError(t, err)
	assert.NotEqual(t, "s.expiring", expiring.Data.VaultToken)

	absent, err := secretstore.Get[TokenRecord](ctx, h.store, "absent")
	require.NoError(t, err)
	assert.NotEmpty(t, absent.Data.VaultToken)
	assert.Equal(t, constants.LabelValueKindAccessToken, absent.Metadata.Labels[constants.LabelDeployStateKind])
}

func TestTokenCreationBudget(t *testing.T) {
	h := newHarness(t)
	h.seedInitialised(t, 1)
	h.backend.failCreateToken = true

	final, err := h.reconciler().Run(context.Background())

	assert.Equal(t, PhaseNeedsManualIntervention, final.Phase)
	assert.True(t, operrors.IsTransient(err))
	assert.Equal(t, 4, h.backend.createCalls)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler().Run(context.Background())
	require.NoError(t, err)
	creates := h.backend.createCalls

	final, err := h.reconciler().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseReady, final.Phase)
	assert.Equal(t, 1, h.backend.initCalls)
	assert.Equal(t, creates, h.backend.createCalls)
}

func TestTokenCheckerClassification(t *testing.T) {
	record := func(data map[string][]byte) *corev1.Secret {
		return &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "ota-tuf", Namespace: "ota"}, Data: data}
	}
	stored := record(map[string][]byte{"VAULT_TOKEN": []byte("s.stored")})

	tests := []struct {
		name        string
		record      *corev1.Secret
		ttl         time.Duration
		lookupErr   error
		want        diff.Kind
		wantErr     bool
		wantLookups int
	}{
		{name: "no record", want: diff.Absent},
		{name: "healthy token", record: stored, ttl: time.Hour, want: diff.Present, wantLookups: 1},
		{name: "token near expiry", record: stored, ttl: 10 * time.Minute, want: diff.ExpiringSoon, wantLookups: 1},
		{
			name:        "token unknown to vault",
			record:      stored,
			lookupErr:   backendError(404, "not found"),
			want:        diff.StoreOnly,
			wantLookups: 1,
		},
		{
			name:        "token rejected by vault",
			record:      stored,
			lookupErr:   backendError(403, "bad token"),
			want:        diff.StoreOnly,
			wantLookups: 1,
		},
		{
			name:        "vault unreachable",
			record:      stored,
			lookupErr:   backendError(0, "dial tcp: connection refused"),
			wantErr:     true,
			wantLookups: 1,
		},
		{
			name:   "record without token value",
			record: record(map[string][]byte{"unrelated": []byte("x")}),
			want:   diff.StoreOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := fake.NewClientBuilder().WithScheme(testScheme)
			if tt.record != nil {
				builder = builder.WithObjects(tt.record.DeepCopy())
			}
			store := secretstore.New(builder.Build(), "ota")
			backend := newFakeBackend()
			backend.tokens["s.stored"] = TokenInfo{TTL: tt.ttl}
			backend.lookupErr = tt.lookupErr

			result, err := NewTokenChecker(backend, store, logr.Discard()).Check(context.Background(), config.TokenSpec{DisplayName: "ota-tuf"})

			assert.Equal(t, tt.wantLookups, backend.lookupCalls)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, operrors.IsTransientConnection(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Kind)
		})
	}
}
