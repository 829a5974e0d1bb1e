package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/dc-tec/ota-deploy-state/internal/authplus"
	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
	"github.com/dc-tec/ota-deploy-state/internal/retry"
	"github.com/dc-tec/ota-deploy-state/internal/secretstore"
	"github.com/dc-tec/ota-deploy-state/internal/vault"
)

// phaseManual is the terminal phase both reconcilers share for stuck runs.
const phaseManual = "needsManualIntervention"

// Result is the outcome of one reconciler run within a tick.
type Result struct {
	Backend  string
	Instance string
	Phase    string
	Err      error
	Duration time.Duration
}

// Ready reports whether the reconciler converged.
func (r Result) Ready() bool {
	return r.Phase == "ready"
}

// TickSummary collects the results of every reconciler started by one tick.
type TickSummary struct {
	ID      string
	Skipped bool
	Results []Result
}

// NeedsManualIntervention reports whether any reconciler got stuck.
func (s TickSummary) NeedsManualIntervention() bool {
	for _, r := range s.Results {
		if r.Phase == phaseManual {
			return true
		}
	}
	return false
}

// Err joins the errors of every reconciler that did not converge.
func (s TickSummary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.Backend, r.Instance, r.Err))
		}
	}
	return errors.Join(errs...)
}

// AuthPlusFactory builds the AuthPlus API client used for one tick.
type AuthPlusFactory func(url string) (authplus.API, error)

// VaultFactory builds the Vault backend used for one instance in one tick.
type VaultFactory func(spec config.VaultSpec) (vault.Backend, error)

// PollerOptions configures a Poller.
type PollerOptions struct {
	Config config.Controller
	Client client.Client
	// Metrics defaults to NewMetrics.
	Metrics *Metrics
	// NewAuthPlus and NewVault default to the HTTP clients.
	NewAuthPlus AuthPlusFactory
	NewVault    VaultFactory
}

// Poller drives the reconcilers on a schedule. Every tick builds fresh
// reconcilers, runs them in parallel under the tick deadline and discards them.
// Ticks never overlap; a tick that fires while another is running is skipped.
type Poller struct {
	cfg         config.Controller
	client      client.Client
	metrics     *Metrics
	newAuthPlus AuthPlusFactory
	newVault    VaultFactory
	logger      logr.Logger

	running sync.Mutex
	trigger chan struct{}

	mu        sync.Mutex
	instances map[string]struct{}
}

var _ manager.Runnable = (*Poller)(nil)

// NewPoller creates a Poller.
func NewPoller(opts PollerOptions, logger logr.Logger) *Poller {
	p := &Poller{
		cfg:         opts.Config,
		client:      opts.Client,
		metrics:     opts.Metrics,
		newAuthPlus: opts.NewAuthPlus,
		newVault:    opts.NewVault,
		logger:      logger.WithName("poller"),
		trigger:     make(chan struct{}, 1),
		instances:   map[string]struct{}{},
	}
	if p.metrics == nil {
		p.metrics = NewMetrics()
	}
	if p.newAuthPlus == nil {
		p.newAuthPlus = func(url string) (authplus.API, error) {
			return authplus.NewClient(authplus.ClientConfig{BaseURL: url})
		}
	}
	if p.newVault == nil {
		p.newVault = func(spec config.VaultSpec) (vault.Backend, error) {
			return vault.NewClient(vault.ClientConfig{Address: spec.URL})
		}
	}
	if p.cfg.TickTimeout <= 0 {
		p.cfg.TickTimeout = constants.DefaultTickTimeout
	}
	return p
}

// Start runs a tick immediately and then on every activation of the schedule
// until ctx is cancelled. It implements manager.Runnable.
func (p *Poller) Start(ctx context.Context) error {
	schedule, err := ParseSchedule(p.cfg.Schedule)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithParser(Parser), cron.WithLogger(p.logger.WithName("cron")))
	c.Schedule(schedule, cron.FuncJob(func() { p.Tick(ctx) }))
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	p.logger.Info("Poller started", "schedule", p.cfg.Schedule, "tickTimeout", p.cfg.TickTimeout)
	p.Trigger()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopping")
			return nil
		case <-p.trigger:
			p.Tick(ctx)
		}
	}
}

// Trigger requests a tick outside the schedule. Requests made while one is
// already pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Tick runs every enabled reconciler once and waits for all of them to reach a
// terminal state or for the tick deadline.
func (p *Poller) Tick(ctx context.Context) TickSummary {
	if !p.running.TryLock() {
		p.logger.Info("Previous tick still running, skipping")
		p.metrics.RecordTick(TickSkipped)
		return TickSummary{Skipped: true}
	}
	defer p.running.Unlock()

	summary := TickSummary{ID: uuid.NewString()}
	logger := p.logger.WithValues("tick", summary.ID)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	defer cancel()

	start := time.Now()
	store := secretstore.New(p.client, p.cfg.Namespace)
	logger.Info("Tick started", "namespace", store.Namespace())

	jobs := p.jobs(logger, store)

	results := make([]Result, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = job(ctx)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Backend != results[j].Backend {
			return results[i].Backend < results[j].Backend
		}
		return results[i].Instance < results[j].Instance
	})
	summary.Results = results

	for _, r := range results {
		if r.Err != nil {
			logger.Error(r.Err, "Reconciler did not converge",
				"backend", r.Backend, "instance", r.Instance, "state", r.Phase, "reason", operrors.Reason(r.Err))
		}
	}
	p.metrics.RecordTick(TickCompleted)
	logger.Info("Tick finished", "reconcilers", len(results), "duration", time.Since(start).String(),
		"needsManualIntervention", summary.NeedsManualIntervention())
	return summary
}

type job func(ctx context.Context) Result

func (p *Poller) jobs(logger logr.Logger, store *secretstore.Store) []job {
	var jobs []job
	if p.cfg.AuthPlus.Enabled {
		jobs = append(jobs, func(ctx context.Context) Result {
			return p.runAuthPlus(ctx, logger, store)
		})
	}
	if !p.cfg.Vault.Enabled {
		return jobs
	}

	specs, err := config.LoadVaults(p.cfg.Vault.ConfigFile)
	if err != nil {
		return append(jobs, func(context.Context) Result {
			return Result{Backend: constants.BackendVault, Instance: "*", Phase: phaseManual, Err: err}
		})
	}

	p.forgetUndeclared(specs)
	for _, spec := range specs {
		jobs = append(jobs, func(ctx context.Context) Result {
			return p.runVault(ctx, logger, store, spec)
		})
	}
	return jobs
}

// forgetUndeclared drops metric series of Vault instances removed from the
// declared configuration since the previous tick.
func (p *Poller) forgetUndeclared(specs []config.VaultSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		current[spec.Name] = struct{}{}
	}
	for name := range p.instances {
		if _, ok := current[name]; !ok {
			p.metrics.Forget(constants.BackendVault, name)
		}
	}
	p.instances = current
}

func (p *Poller) retryPolicy() retry.Policy {
	return retry.Policy{Attempts: p.cfg.Retry.Attempts, Delay: p.cfg.Retry.Delay}
}

func (p *Poller) runAuthPlus(ctx context.Context, logger logr.Logger, store *secretstore.Store) Result {
	start := time.Now()
	result := Result{Backend: constants.BackendAuthPlus, Instance: authplus.Instance}

	api, err := p.newAuthPlus(p.cfg.AuthPlus.URL)
	if err != nil {
		result.Phase = phaseManual
		result.Err = operrors.WrapInvalidConfiguration(fmt.Errorf("failed to create auth plus client: %w", err))
		return result
	}

	clientsFile := p.cfg.AuthPlus.ClientsFile
	r := authplus.NewReconciler(authplus.Options{
		API:           api,
		Store:         store,
		CheckpointDir: p.cfg.CheckpointDir,
		LoadClients: func() ([]config.ClientSpec, error) {
			return config.LoadClients(clientsFile)
		},
		Attempts:    p.cfg.Attempts,
		Retry:       p.retryPolicy(),
		FanOutLimit: p.cfg.FanOutLimit,
		Observer:    p.metrics,
	}, logger)

	final, err := r.Run(ctx)
	result.Phase = string(final.Phase)
	result.Err = err
	result.Duration = time.Since(start)
	p.metrics.ObserveDuration(result.Backend, result.Instance, result.Duration.Seconds())
	return result
}

func (p *Poller) runVault(ctx context.Context, logger logr.Logger, store *secretstore.Store, spec config.VaultSpec) Result {
	start := time.Now()
	result := Result{Backend: constants.BackendVault, Instance: spec.Name}

	backend, err := p.newVault(spec)
	if err != nil {
		result.Phase = phaseManual
		result.Err = operrors.WrapInvalidConfiguration(fmt.Errorf("failed to create vault client: %w", err))
		return result
	}

	r := vault.NewReconciler(vault.Options{
		Spec:            spec,
		Backend:         backend,
		Store:           store,
		CheckpointDir:   p.cfg.CheckpointDir,
		SecretShares:    p.cfg.Vault.SecretShares,
		SecretThreshold: p.cfg.Vault.SecretThreshold,
		Attempts:        p.cfg.Attempts,
		Retry:           p.retryPolicy(),
		FanOutLimit:     p.cfg.FanOutLimit,
		Observer:        p.metrics,
	}, logger)

	final, err := r.Run(ctx)
	result.Phase = string(final.Phase)
	result.Err = err
	result.Duration = time.Since(start)
	p.metrics.ObserveDuration(result.Backend, result.Instance, result.Duration.Seconds())
	return result
}
