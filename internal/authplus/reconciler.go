package authplus

import (
	"context"
	"fmt"

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

// Phase is a state of the AuthPlus reconciler.
type Phase string

const (
	phaseIdle Phase = ""

	PhaseUnknown                 Phase = "unknown"
	PhaseUnavailable             Phase = "unavailable"
	PhaseUninitialised           Phase = "uninitialised"
	PhaseInitialised             Phase = "initialised"
	PhaseCheckingClients         Phase = "checkingClients"
	PhaseCreatingClients         Phase = "creatingClients"
	PhaseNeedsManualIntervention Phase = "needsManualIntervention"
	PhaseReady                   Phase = "ready"
)

// Instance is the instance label used for the single AuthPlus backend.
const Instance = "default"

// State is the current phase plus the payload consumed by its handler.
// Only PhaseCreatingClients carries Diffs.
type State struct {
	Phase Phase
	Diffs []diff.Result[config.ClientSpec]
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
	phaseIdle:            {PhaseUnknown},
	PhaseUnknown:         {PhaseUnavailable, PhaseUninitialised, PhaseInitialised},
	PhaseUninitialised:   {PhaseInitialised, PhaseNeedsManualIntervention},
	PhaseInitialised:     {PhaseCheckingClients, PhaseNeedsManualIntervention},
	PhaseCheckingClients: {PhaseCreatingClients, PhaseNeedsManualIntervention},
	PhaseCreatingClients: {PhaseReady, PhaseCheckingClients, PhaseNeedsManualIntervention},
}

// Options configures a Reconciler.
type Options struct {
	API   API
	Store *secretstore.Store
	// CheckpointDir holds the bootstrap checkpoint file.
	CheckpointDir string
	// LoadClients returns the declared clients. It is called on every pass
	// through checkingClients.
	LoadClients func() ([]config.ClientSpec, error)
	// Attempts is the number of times client convergence may run in one tick.
	Attempts    int
	Retry       retry.Policy
	FanOutLimit int
	Observer    reconcile.Observer
}

type phaseHandler func(ctx context.Context, logger logr.Logger, state State) State

// Reconciler drives AuthPlus from an unknown state to ready. A Reconciler is
// built for one tick and discarded afterwards.
type Reconciler struct {
	api         API
	store       *secretstore.Store
	checkpoint  *checkpoint.File[OAuthClient]
	checker     *ClientChecker
	loadClients func() ([]config.ClientSpec, error)
	budget      *reconcile.Budget
	retry       retry.Policy
	fanOutLimit int
	observer    reconcile.Observer
	logger      logr.Logger

	machine  *fsm.Machine[State]
	handlers map[Phase]phaseHandler

	// ctx is the context of the current Run; handlers run synchronously within it.
	ctx     context.Context
	lastErr error
}

// NewReconciler builds a reconciler seeded in the idle state.
func NewReconciler(opts Options, logger logr.Logger) *Reconciler {
	logger = logger.WithValues("backend", constants.BackendAuthPlus)
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = constants.DefaultAttempts
	}

	r := &Reconciler{
		api:         opts.API,
		store:       opts.Store,
		checkpoint:  checkpoint.New[OAuthClient](checkpoint.AuthPlusPath(opts.CheckpointDir)),
		checker:     NewClientChecker(opts.API, opts.Store, logger),
		loadClients: opts.LoadClients,
		budget:      reconcile.NewBudget(attempts),
		retry:       opts.Retry,
		fanOutLimit: opts.FanOutLimit,
		observer:    reconcile.ObserverOrNop(opts.Observer),
		logger:      logger,
	}
	r.handlers = map[Phase]phaseHandler{
		PhaseUnknown:         r.handleUnknown,
		PhaseUninitialised:   r.handleUninitialised,
		PhaseInitialised:     r.handleInitialised,
		PhaseCheckingClients: r.handleCheckingClients,
		PhaseCreatingClients: r.handleCreatingClients,
	}
	r.machine = fsm.New[State](State{Phase: phaseIdle}, r)
	return r
}

// State returns the current state.
func (r *Reconciler) State() State {
	return r.machine.State()
}

// Run seeds the unknown state and returns once a terminal state is reached.
// The returned error explains why the final state is not ready.
func (r *Reconciler) Run(ctx context.Context) (State, error) {
	r.ctx = ctx
	r.observer.AttemptsRemaining(constants.BackendAuthPlus, Instance, r.budget.Remaining())

	r.machine.Set(State{Phase: PhaseUnknown})

	final := r.machine.State()
	if final.Phase == PhaseReady {
		return final, nil
	}
	if r.lastErr != nil {
		return final, r.lastErr
	}
	return final, fmt.Errorf("auth plus reconciliation stopped in state %s", final.Phase)
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
	r.observer.Transition(constants.BackendAuthPlus, Instance, string(from.Phase), string(to.Phase))

	if to.Terminal() {
		r.observer.Terminal(constants.BackendAuthPlus, Instance, string(to.Phase))
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
		logger.Info("Found bootstrap checkpoint, resuming initialisation", "path", r.checkpoint.Path())
		return State{Phase: PhaseUninitialised}
	}

	status, err := r.api.InitStatus(ctx)
	if err != nil {
		r.lastErr = err
		logger.Error(err, "Auth plus is unavailable", "reason", operrors.Reason(err))
		return State{Phase: PhaseUnavailable}
	}
	if status.Initialized {
		return State{Phase: PhaseInitialised}
	}
	return State{Phase: PhaseUninitialised}
}

func (r *Reconciler) handleUninitialised(ctx context.Context, logger logr.Logger, _ State) State {
	admin, ok, err := r.checkpoint.Load()
	if err != nil {
		return r.fail(logger, err, "Failed to read bootstrap checkpoint")
	}

	if !ok {
		admin, err = r.api.Initialize(ctx, AdminMetadata())
		if err != nil {
			logging.LogAuditEvent(logger, logging.EventBootstrapFailed, map[string]string{
				"backend": constants.BackendAuthPlus,
				"reason":  operrors.Reason(err),
			})
			return r.fail(logger, err, "Failed to initialize auth plus")
		}
		if err := r.checkpoint.Save(admin); err != nil {
			return r.fail(logger, err, "Failed to write bootstrap checkpoint")
		}
		logging.LogAuditEvent(logger, logging.EventCheckpointWritten, map[string]string{
			"backend": constants.BackendAuthPlus,
			"path":    r.checkpoint.Path(),
		})
		logging.LogAuditEvent(logger, logging.EventBootstrap, map[string]string{
			"backend":   constants.BackendAuthPlus,
			"client_id": admin.ClientID,
		})
	}

	labels := secretstore.Labels(constants.LabelValueBackendAuthPlus, constants.LabelValueKindInitCredentials, "")
	err = retry.Do(ctx, logger, r.retry, "store admin client", func(ctx context.Context) error {
		return secretstore.Upsert(ctx, r.store, constants.SecretAuthPlusAdmin, labels, admin)
	})
	if err != nil {
		return r.fail(logger, err, "Failed to store admin client, checkpoint kept", "path", r.checkpoint.Path())
	}

	if err := r.checkpoint.Remove(); err != nil {
		return r.fail(logger, err, "Failed to remove bootstrap checkpoint")
	}
	logging.LogAuditEvent(logger, logging.EventCheckpointCleared, map[string]string{
		"backend": constants.BackendAuthPlus,
		"secret":  constants.SecretAuthPlusAdmin,
	})
	return State{Phase: PhaseInitialised}
}

func (r *Reconciler) handleInitialised(ctx context.Context, logger logr.Logger, _ State) State {
	record, err := secretstore.Get[OAuthClient](ctx, r.store, constants.SecretAuthPlusAdmin)
	if err != nil {
		return r.fail(logger, err, "Failed to fetch admin client", "secret", constants.SecretAuthPlusAdmin)
	}

	token, err := r.api.Token(ctx, record.Data)
	if err != nil {
		return r.fail(logger, err, "Failed to obtain admin access token")
	}
	r.api.SetToken(token.AccessToken)
	return State{Phase: PhaseCheckingClients}
}

func (r *Reconciler) handleCheckingClients(ctx context.Context, logger logr.Logger, _ State) State {
	clients, err := r.loadClients()
	if err != nil {
		return r.fail(logger, operrors.WrapInvalidConfiguration(err), "Failed to load declared clients")
	}

	diffs, err := reconcile.Map(ctx, r.fanOutLimit, clients, r.checker.Check)
	if err != nil {
		return r.fail(logger, err, "Failed to check clients")
	}

	counts := diff.Count(diffs)
	logger.Info("Checked clients",
		"declared", len(clients),
		"present", counts[diff.Present],
		"absent", counts[diff.Absent],
		"storeOnly", counts[diff.StoreOnly])
	return State{Phase: PhaseCreatingClients, Diffs: diffs}
}

func (r *Reconciler) handleCreatingClients(ctx context.Context, logger logr.Logger, state State) State {
	err := reconcile.ForEach(ctx, r.fanOutLimit, state.Diffs, func(ctx context.Context, d diff.Result[config.ClientSpec]) error {
		return r.convergeClient(ctx, logger, d)
	})
	if err == nil {
		return State{Phase: PhaseReady}
	}

	r.lastErr = err
	retryAllowed := r.budget.Consume()
	remaining := r.budget.Remaining()
	r.observer.AttemptsRemaining(constants.BackendAuthPlus, Instance, remaining)
	if retryAllowed {
		logger.Error(err, "Failed to converge clients, checking again", "attemptsRemaining", remaining)
		return State{Phase: PhaseCheckingClients}
	}
	return r.fail(logger, err, "Failed to converge clients, attempts exhausted")
}

func (r *Reconciler) convergeClient(ctx context.Context, logger logr.Logger, d diff.Result[config.ClientSpec]) error {
	if !d.NeedsAction() {
		return nil
	}
	logger = logger.WithValues("client", d.Spec.Name, "state", d.Kind)

	var created OAuthClient
	err := retry.Do(ctx, logger, r.retry, "create client", func(ctx context.Context) error {
		c, err := r.api.CreateClient(ctx, MetadataFor(d.Spec))
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create client %q: %w", d.Spec.Name, err)
	}

	labels := secretstore.Labels(constants.LabelValueBackendAuthPlus, constants.LabelValueKindOAuthClient, "")
	err = retry.Do(ctx, logger, r.retry, "store client", func(ctx context.Context) error {
		return secretstore.Upsert(ctx, r.store, d.Spec.Name, labels, created)
	})
	if err != nil {
		return fmt.Errorf("failed to store client %q: %w", d.Spec.Name, err)
	}

	logging.LogAuditEvent(logger, logging.EventClientCreated, map[string]string{
		"client":    d.Spec.Name,
		"client_id": created.ClientID,
		"previous":  string(d.Kind),
	})
	return nil
}

func (r *Reconciler) fail(logger logr.Logger, err error, msg string, keysAndValues ...any) State {
	r.lastErr = err
	logger.Error(err, msg, append(keysAndValues, "reason", operrors.Reason(err))...)
	logging.LogAuditEvent(logger, logging.EventManualIntervention, map[string]string{
		"backend": constants.BackendAuthPlus,
		"reason":  operrors.Reason(err),
	})
	return State{Phase: PhaseNeedsManualIntervention}
}

// AdminMetadata is the registration metadata of the bootstrap admin client.
func AdminMetadata() ClientMetadata {
	return ClientMetadata{
		ClientName: constants.AuthPlusAdminClientName,
		GrantTypes: []string{constants.AuthPlusAdminGrantType},
		Scope:      constants.AuthPlusAdminScope,
	}
}

// MetadataFor converts a declared client into a registration request.
func MetadataFor(spec config.ClientSpec) ClientMetadata {
	return ClientMetadata{
		ClientName: spec.Name,
		GrantTypes: spec.GrantTypes,
		Scope:      spec.Scope,
	}
}
