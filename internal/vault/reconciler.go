// Package vault reconciles Vault instances: initialisation, quorum unseal,
// policies, mounts and access tokens.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/dc-tec/ota-deploy-state/internal/checkpoint"
	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/constants"
	"github.com/dc-tec/ota-deploy-state/internal/diff"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
	"github.com/dc-tec/ota-deploy-state/internal/fsm"
	"github.com/dc-tec/ota-deploy-state/internal/logging"
	"github.com/dc-tec/ota-deploy-state/internal/reconcile"
	"github.com/dc-tec/ota-deploy-state/internal/retry"
	"github.com/dc-tec/ota-deploy-state/internal/secretstore"
)

// Phase is a state of the Vault reconciler.
type Phase string

const (
	phaseIdle Phase = ""

	PhaseUnknown                 Phase = "unknown"
	PhaseUnavailable             Phase = "unavailable"
	PhaseUninitialised           Phase = "uninitialised"
	PhaseInitialised             Phase = "initialised"
	PhaseCheckingSealStatus      Phase = "checkingSealStatus"
	PhaseSealed                  Phase = "sealed"
	PhaseUnsealed                Phase = "unsealed"
	PhaseCreatingPolicies        Phase = "creatingPolicies"
	PhaseCheckingMounts          Phase = "checkingMounts"
	PhaseCreatingMounts          Phase = "creatingMounts"
	PhaseCheckingTokens          Phase = "checkingTokens"
	PhaseCreatingTokens          Phase = "creatingTokens"
	PhaseNeedsManualIntervention Phase = "needsManualIntervention"
	PhaseReady                   Phase = "ready"
)

// State is the current phase plus the payload consumed by its handler.
// Mounts is set only for PhaseCreatingMounts and Tokens only for
// PhaseCreatingTokens.
type State struct {
	Phase  Phase
	Mounts []diff.Result[config.MountSpec]
	Tokens []diff.Result[config.TokenSpec]
}

// Terminal reports whether the state has no outgoing transition this tick.
func (s State) Terminal() bool {
	switch s.Phase {
	case PhaseUnavailable, PhaseNeedsManualIntervention, PhaseReady:
		return true
	default:
		return false
	}
}

var transitions = reconcile.Transitions[Phase]{
	phaseIdle:               {PhaseUnknown},
	PhaseUnknown:            {PhaseUnavailable, PhaseUninitialised, PhaseInitialised},
	PhaseUninitialised:      {PhaseInitialised, PhaseNeedsManualIntervention},
	PhaseInitialised:        {PhaseCheckingSealStatus, PhaseNeedsManualIntervention},
	PhaseCheckingSealStatus: {PhaseSealed, PhaseUnsealed, PhaseUnknown, PhaseNeedsManualIntervention},
	PhaseSealed:             {PhaseUnsealed, PhaseUnknown, PhaseNeedsManualIntervention},
	PhaseUnsealed:           {PhaseCreatingPolicies},
	PhaseCreatingPolicies:   {PhaseCheckingMounts, PhaseNeedsManualIntervention},
	PhaseCheckingMounts:     {PhaseCreatingMounts, PhaseUnknown, PhaseNeedsManualIntervention},
	PhaseCreatingMounts:     {PhaseCheckingTokens, PhaseUnknown, PhaseNeedsManualIntervention},
	PhaseCheckingTokens:     {PhaseCreatingTokens, PhaseUnknown, PhaseNeedsManualIntervention},
	PhaseCreatingTokens:     {PhaseReady, PhaseCheckingTokens, PhaseNeedsManualIntervention},
}

// Options configures a Reconciler.
type Options struct {
	Spec    config.VaultSpec
	Backend Backend
	Store   *secretstore.Store
	// CheckpointDir holds the init-credential checkpoint file.
	CheckpointDir   string
	SecretShares    int
	SecretThreshold int
	// Attempts bounds the re-entries (re-probes and token retries) in one tick.
	Attempts    int
	Retry       retry.Policy
	FanOutLimit int
	Observer    reconcile.Observer
}

type phaseHandler func(ctx context.Context, logger logr.Logger, state State) State

// Reconciler drives one Vault instance from an unknown state to ready. A
// Reconciler is built for one tick and discarded afterwards.
type Reconciler struct {
	spec            config.VaultSpec
	backend         Backend
	store           *secretstore.Store
	checkpoint      *checkpoint.File[InitCredentials]
	mounts          *MountChecker
	tokens          *TokenChecker
	secretShares    int
	secretThreshold int
	budget          *reconcile.Budget
	retry           retry.Policy
	fanOutLimit     int
	observer        reconcile.Observer
	logger          logr.Logger

	machine  *fsm.Machine[State]
	handlers map[Phase]phaseHandler

	// ctx is the context of the current Run; handlers run synchronously within it.
	ctx       context.Context
	initCreds *InitCredentials
	lastErr   error
}

// NewReconciler builds a reconciler for opts.Spec seeded in the idle state.
func NewReconciler(opts Options, logger logr.Logger) *Reconciler {
	logger = logger.WithValues("backend", constants.BackendVault, "instance", opts.Spec.Name)
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = constants.DefaultAttempts
	}
	shares, threshold := opts.SecretShares, opts.SecretThreshold
	if shares <= 0 || threshold <= 0 {
		shares, threshold = constants.DefaultVaultShares, constants.DefaultVaultThreshold
	}

	r := &Reconciler{
		spec:            opts.Spec,
		backend:         opts.Backend,
		store:           opts.Store,
		checkpoint:      checkpoint.New[InitCredentials](checkpoint.VaultPath(opts.CheckpointDir, opts.Spec.Name)),
		mounts:          NewMountChecker(opts.Backend, logger),
		tokens:          NewTokenChecker(opts.Backend, opts.Store, logger),
		secretShares:    shares,
		secretThreshold: threshold,
		budget:          reconcile.NewBudget(attempts),
		retry:           opts.Retry,
		fanOutLimit:     opts.FanOutLimit,
		observer:        reconcile.ObserverOrNop(opts.Observer),
		logger:          logger,
	}
	r.handlers = map[Phase]phaseHandler{
		PhaseUnknown:            r.handleUnknown,
		PhaseUninitialised:      r.handleUninitialised,
		PhaseInitialised:        r.handleInitialised,
		PhaseCheckingSealStatus: r.handleCheckingSealStatus,
		PhaseSealed:             r.handleSealed,
		PhaseUnsealed:           r.handleUnsealed,
		PhaseCreatingPolicies:   r.handleCreatingPolicies,
		PhaseCheckingMounts:     r.handleCheckingMounts,
		PhaseCreatingMounts:     r.handleCreatingMounts,
		PhaseCheckingTokens:     r.handleCheckingTokens,
		PhaseCreatingTokens:     r.handleCreatingTokens,
	}
	r.machine = fsm.New[State](State{Phase: phaseIdle}, r)
	return r
}

// InitSecretName returns the name of the Secret holding the init credentials
// of the named instance.
func InitSecretName(instance string) string {
	return instance + constants.SuffixVaultInit
}

// State returns the current state.
func (r *Reconciler) State() State {
	return r.machine.State()
}

// Run seeds the unknown state and returns once a terminal state is reached.
// The returned error explains why the final state is not ready.
func (r *Reconciler) Run(ctx context.Context) (State, error) {
	r.ctx = ctx
	r.observer.AttemptsRemaining(constants.BackendVault, r.spec.Name, r.budget.Remaining())

	r.machine.Set(State{Phase: PhaseUnknown})

	final := r.machine.State()
	if final.Phase == PhaseReady {
		return final, nil
	}
	if r.lastErr != nil {
		return final, r.lastErr
	}
	return final, fmt.Errorf("vault %s reconciliation stopped in state %s", r.spec.Name, final.Phase)
}

// ShouldTransition rejects transitions that are not part of the reconciler's graph.
func (r *Reconciler) ShouldTransition(from, to State) fsm.Verdict[State] {
	if !transitions.Allowed(from.Phase, to.Phase) {
		r.logger.Error(nil, "Rejected state transition", "from", from.Phase, "to", to.Phase)
		return fsm.Abort[State]()
	}
	return fsm.Continue[State]()
}

// DidTransition runs the handler of the entered state and chains into the state
// it returns.
func (r *Reconciler) DidTransition(from, to State) {
	r.logger.Info("State transition", "from", from.Phase, "to", to.Phase)
	r.observer.Transition(constants.BackendVault, r.spec.Name, string(from.Phase), string(to.Phase))

	if to.Terminal() {
		r.observer.Terminal(constants.BackendVault, r.spec.Name, string(to.Phase))
		return
	}

	handler, ok := r.handlers[to.Phase]
	if !ok {
		return
	}
	next := handler(r.ctx, r.logger.WithValues("phase", to.Phase), to)
	if next.Phase != phaseIdle {
		r.machine.Set(next)
	}
}

func (r *Reconciler) handleUnknown(ctx context.Context, logger logr.Logger, _ State) State {
	if r.checkpoint.Exists() {
		logger.Info("Found init checkpoint, resuming initialisation", "path", r.checkpoint.Path())
		return State{Phase: PhaseUninitialised}
	}

	initialized, err := r.backend.InitStatus(ctx)
	if err != nil {
		r.lastErr = err
		logger.Error(err, "Vault is unavailable", "reason", operrors.Reason(err))
		return State{Phase: PhaseUnavailable}
	}
	if initialized {
		return State{Phase: PhaseInitialised}
	}
	return State{Phase: PhaseUninitialised}
}

func (r *Reconciler) handleUninitialised(ctx context.Context, logger logr.Logger, _ State) State {
	creds, ok, err := r.checkpoint.Load()
	if err != nil {
		return r.fail(logger, err, "Failed to read init checkpoint")
	}

	if !ok {
		creds, err = r.backend.Init(ctx, r.secretShares, r.secretThreshold)
		if err != nil {
			logging.LogAuditEvent(logger, logging.EventBootstrapFailed, map[string]string{
				"backend":  constants.BackendVault,
				"instance": r.spec.Name,
				"reason":   operrors.Reason(err),
			})
			return r.fail(logger, err, "Failed to initialize vault")
		}
		if err := r.checkpoint.Save(creds); err != nil {
			return r.fail(logger, err, "Failed to write init checkpoint")
		}
		logging.LogAuditEvent(logger, logging.EventCheckpointWritten, map[string]string{
			"backend":  constants.BackendVault,
			"instance": r.spec.Name,
			"path":     r.checkpoint.Path(),
		})
		logging.LogAuditEvent(logger, logging.EventBootstrap, map[string]string{
			"backend":   constants.BackendVault,
			"instance":  r.spec.Name,
			"shares":    strconv.Itoa(r.secretShares),
			"threshold": strconv.Itoa(r.secretThreshold),
		})
	}

	name := InitSecretName(r.spec.Name)
	labels := secretstore.Labels(constants.LabelValueBackendVault, constants.LabelValueKindInitCredentials, r.spec.Name)
	err = retry.Do(ctx, logger, r.retry, "store init credentials", func(ctx context.Context) error {
		return secretstore.Upsert(ctx, r.store, name, labels, creds)
	})
	if err != nil {
		return r.fail(logger, err, "Failed to store init credentials, checkpoint kept", "path", r.checkpoint.Path())
	}

	if err := r.checkpoint.Remove(); err != nil {
		return r.fail(logger, err, "Failed to remove init checkpoint")
	}
	logging.LogAuditEvent(logger, logging.EventCheckpointCleared, map[string]string{
		"backend":  constants.BackendVault,
		"instance": r.spec.Name,
		"secret":   name,
	})
	return State{Phase: PhaseInitialised}
}

func (r *Reconciler) handleInitialised(ctx context.Context, logger logr.Logger, _ State) State {
	name := InitSecretName(r.spec.Name)
	record, err := secretstore.Get[InitCredentials](ctx, r.store, name)
	if err != nil {
		return r.fail(logger, err, "Failed to fetch init credentials", "secret", name)
	}
	r.initCreds = &record.Data
	r.backend.SetToken(record.Data.RootToken)
	return State{Phase: PhaseCheckingSealStatus}
}

func (r *Reconciler) handleCheckingSealStatus(ctx context.Context, logger logr.Logger, _ State) State {
	status, err := r.backend.SealStatus(ctx)
	if err != nil {
		return r.reprobe(logger, err, "Failed to check seal status")
	}
	logger.V(1).Info("Seal status", "sealed", status.Sealed, "threshold", status.Threshold, "progress", status.Progress)
	if status.Sealed {
		return State{Phase: PhaseSealed}
	}
	return State{Phase: PhaseUnsealed}
}

func (r *Reconciler) handleSealed(ctx context.Context, logger logr.Logger, _ State) State {
	if r.initCreds == nil {
		return r.reprobe(logger, errors.New("init credentials not loaded"), "Cannot unseal without init credentials")
	}

	submitted, err := Unseal(ctx, r.backend, r.initCreds.UnsealKeys())
	if err != nil {
		logging.LogAuditEvent(logger, logging.EventUnsealFailed, map[string]string{
			"instance":  r.spec.Name,
			"submitted": strconv.Itoa(submitted),
			"reason":    operrors.Reason(err),
		})
		if operrors.IsPermanent(err) || !operrors.IsTransient(err) {
			return r.fail(logger, err, "Failed to unseal vault")
		}
		return r.reprobe(logger, err, "Failed to unseal vault")
	}

	logging.LogAuditEvent(logger, logging.EventUnseal, map[string]string{
		"instance":  r.spec.Name,
		"submitted": strconv.Itoa(submitted),
	})
	return State{Phase: PhaseUnsealed}
}

func (r *Reconciler) handleUnsealed(context.Context, logr.Logger, State) State {
	return State{Phase: PhaseCreatingPolicies}
}

func (r *Reconciler) handleCreatingPolicies(ctx context.Context, logger logr.Logger, _ State) State {
	err := reconcile.ForEach(ctx, r.fanOutLimit, r.spec.Policies, func(ctx context.Context, p config.PolicySpec) error {
		rules, err := p.Rules()
		if err != nil {
			return err
		}
		err = retry.Do(ctx, logger, r.retry, "write policy", func(ctx context.Context) error {
			return r.backend.PutPolicy(ctx, p.Name, rules)
		})
		if err != nil {
			return err
		}
		logging.LogAuditEvent(logger, logging.EventPolicyWritten, map[string]string{
			"instance": r.spec.Name,
			"policy":   p.Name,
		})
		return nil
	})
	if err != nil {
		return r.fail(logger, err, "Failed to write policies")
	}
	return State{Phase: PhaseCheckingMounts}
}

func (r *Reconciler) handleCheckingMounts(ctx context.Context, logger logr.Logger, _ State) State {
	diffs, err := reconcile.Map(ctx, r.fanOutLimit, r.spec.Mounts, r.mounts.Check)
	if err != nil {
		return r.reprobe(logger, err, "Failed to check mounts")
	}
	counts := diff.Count(diffs)
	logger.Info("Checked mounts",
		"declared", len(r.spec.Mounts),
		"present", counts[diff.Present],
		"absent", counts[diff.Absent])
	return State{Phase: PhaseCreatingMounts, Mounts: diffs}
}

func (r *Reconciler) handleCreatingMounts(ctx context.Context, logger logr.Logger, state State) State {
	err := reconcile.ForEach(ctx, r.fanOutLimit, state.Mounts, func(ctx context.Context, d diff.Result[config.MountSpec]) error {
		if !d.NeedsAction() {
			return nil
		}
		err := retry.Do(ctx, logger, r.retry, "create mount", func(ctx context.Context) error {
			return r.backend.Mount(ctx, d.Spec.Path, d.Spec.Type)
		})
		if err != nil {
			return err
		}
		logging.LogAuditEvent(logger, logging.EventMountCreated, map[string]string{
			"instance": r.spec.Name,
			"mount":    d.Spec.Path,
			"type":     d.Spec.Type,
		})
		return nil
	})
	if err != nil {
		return r.reprobe(logger, err, "Failed to create mounts")
	}
	return State{Phase: PhaseCheckingTokens}
}

func (r *Reconciler) handleCheckingTokens(ctx context.Context, logger logr.Logger, _ State) State {
	diffs, err := reconcile.Map(ctx, r.fanOutLimit, r.spec.Tokens, r.tokens.Check)
	if err != nil {
		return r.reprobe(logger, err, "Failed to check tokens")
	}
	counts := diff.Count(diffs)
	logger.Info("Checked tokens",
		"declared", len(r.spec.Tokens),
		"present", counts[diff.Present],
		"absent", counts[diff.Absent],
		"storeOnly", counts[diff.StoreOnly],
		"expiringSoon", counts[diff.ExpiringSoon])
	return State{Phase: PhaseCreatingTokens, Tokens: diffs}
}

func (r *Reconciler) handleCreatingTokens(ctx context.Context, logger logr.Logger, state State) State {
	err := reconcile.ForEach(ctx, r.fanOutLimit, state.Tokens, func(ctx context.Context, d diff.Result[config.TokenSpec]) error {
		return r.convergeToken(ctx, logger, d)
	})
	if err == nil {
		return State{Phase: PhaseReady}
	}

	r.lastErr = err
	if r.consume() {
		logger.Error(err, "Failed to converge tokens, checking again", "attemptsRemaining", r.budget.Remaining())
		return State{Phase: PhaseCheckingTokens}
	}
	return r.fail(logger, err, "Failed to converge tokens, attempts exhausted")
}

// convergeToken creates, recreates or rotates one token and stores its value.
// A store-only token is recreated with its stored value as the token id so
// existing consumers keep working; an expiring token is replaced by a new one.
func (r *Reconciler) convergeToken(ctx context.Context, logger logr.Logger, d diff.Result[config.TokenSpec]) error {
	if !d.NeedsAction() {
		return nil
	}
	logger = logger.WithValues("token", d.Spec.DisplayName, "state", d.Kind)

	req := TokenRequest{
		DisplayName: d.Spec.DisplayName,
		Policies:    d.Spec.Policies,
		Period:      d.Spec.Period,
	}
	if d.Kind == diff.StoreOnly {
		record, err := secretstore.Get[TokenRecord](ctx, r.store, d.Spec.DisplayName)
		if err == nil {
			req.ID = record.Data.VaultToken
		} else if !errors.Is(err, operrors.ErrDecodeFailure) {
			return fmt.Errorf("failed to fetch token %q from secret store: %w", d.Spec.DisplayName, err)
		}
	}

	var token string
	err := retry.Do(ctx, logger, r.retry, "create token", func(ctx context.Context) error {
		t, err := r.backend.CreateToken(ctx, req)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create token %q: %w", d.Spec.DisplayName, err)
	}

	labels := secretstore.Labels(constants.LabelValueBackendVault, constants.LabelValueKindAccessToken, r.spec.Name)
	err = retry.Do(ctx, logger, r.retry, "store token", func(ctx context.Context) error {
		return secretstore.Upsert(ctx, r.store, d.Spec.DisplayName, labels, TokenRecord{VaultToken: token})
	})
	if err != nil {
		return fmt.Errorf("failed to store token %q: %w", d.Spec.DisplayName, err)
	}

	event := logging.EventTokenCreated
	if d.Kind == diff.ExpiringSoon {
		event = logging.EventTokenRotated
	}
	logging.LogAuditEvent(logger, event, map[string]string{
		"instance": r.spec.Name,
		"token":    d.Spec.DisplayName,
		"previous": string(d.Kind),
		"reused":   strconv.FormatBool(req.ID != ""),
	})
	return nil
}

// reprobe routes back to unknown so the next pass re-reads the init and seal
// status of Vault. Each re-probe consumes the attempts budget.
func (r *Reconciler) reprobe(logger logr.Logger, err error, msg string) State {
	r.lastErr = err
	if r.consume() {
		logger.Error(err, msg+", re-probing", "attemptsRemaining", r.budget.Remaining(), "reason", operrors.Reason(err))
		return State{Phase: PhaseUnknown}
	}
	return r.fail(logger, err, msg+", attempts exhausted")
}

func (r *Reconciler) consume() bool {
	allowed := r.budget.Consume()
	r.observer.AttemptsRemaining(constants.BackendVault, r.spec.Name, r.budget.Remaining())
	return allowed
}

func (r *Reconciler) fail(logger logr.Logger, err error, msg string, keysAndValues ...any) State {
	r.lastErr = err
	logger.Error(err, msg, append(keysAndValues, "reason", operrors.Reason(err))...)
	logging.LogAuditEvent(logger, logging.EventManualIntervention, map[string]string{
		"backend":  constants.BackendVault,
		"instance": r.spec.Name,
		"reason":   operrors.Reason(err),
	})
	return State{Phase: PhaseNeedsManualIntervention}
}
