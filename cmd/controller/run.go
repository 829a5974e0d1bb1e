/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/constants"
	"github.com/dc-tec/ota-deploy-state/internal/controller"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// ErrManualIntervention is returned by Once when a reconciler could not
// converge without an operator.
var ErrManualIntervention = errors.New("a reconciler needs manual intervention")

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

type options struct {
	configPath    string
	configSet     bool
	envFile       string
	metricsAddr   string
	probeAddr     string
	secureMetrics bool
	enableHTTP2   bool
	watchConfig   bool
	zap           zap.Options
}

func parseFlags(name string, args []string) (*options, error) {
	opts := &options{zap: zap.Options{Development: true}}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", constants.PathControllerConfig,
		"Path to the controller configuration file. A missing file at the default path is ignored.")
	fs.StringVar(&opts.envFile, "env-file", ".env", "Optional file of KEY=VALUE environment overrides.")
	fs.StringVar(&opts.metricsAddr, "metrics-bind-address", ":8443", "The address the metrics endpoint binds to.")
	fs.StringVar(&opts.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	fs.BoolVar(&opts.secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	fs.BoolVar(&opts.enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	fs.BoolVar(&opts.watchConfig, "watch-config", true,
		"Trigger a tick as soon as the declared configuration files change.")
	opts.zap.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.configSet = true
		}
	})
	return opts, nil
}

// loadConfig assembles the process configuration: .env file, YAML file, then
// environment overrides.
func loadConfig(opts *options) (config.Controller, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return config.Controller{}, err
	}
	cfg, err := config.LoadController(opts.configPath, opts.configSet)
	if err != nil {
		return config.Controller{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return config.Controller{}, err
	}
	if warning, err := controller.ValidateSchedule(cfg.Schedule, cfg.TickTimeout); err != nil {
		return config.Controller{}, err
	} else if warning != "" {
		setupLog.Info("Schedule warning", "warning", warning)
	}
	return cfg, nil
}

func setup(name string, args []string) (*options, config.Controller, error) {
	opts, err := parseFlags(name, args)
	if err != nil {
		return nil, config.Controller{}, err
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zap)))

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, config.Controller{}, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLog.Info("Loaded configuration",
		"namespace", cfg.Namespace,
		"schedule", cfg.Schedule,
		"authPlus", cfg.AuthPlus.Enabled,
		"vault", cfg.Vault.Enabled)
	return opts, cfg, nil
}

// Run starts the deploy-state controller manager. The poller reconciles the
// declared backends on every tick until the process is signalled.
func Run(args []string) error {
	opts, cfg, err := setup("controller", args)
	if err != nil {
		return err
	}

	var tlsOpts []func(*tls.Config)
	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	if !opts.enableHTTP2 {
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		})
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   opts.metricsAddr,
		SecureServing: opts.secureMetrics,
		TLSOpts:       tlsOpts,
	}
	if opts.secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: opts.probeAddr,
		// SECURITY: Secrets are read with direct GETs. Caching them would require
		// list/watch on every Secret in the namespace.
		Client: client.Options{
			Cache: &client.CacheOptions{
				DisableFor: []client.Object{&corev1.Secret{}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	poller := controller.NewPoller(controller.PollerOptions{
		Config: cfg,
		Client: mgr.GetClient(),
	}, ctrl.Log.WithName("deploy-state"))
	if err := mgr.Add(poller); err != nil {
		return fmt.Errorf("unable to add poller: %w", err)
	}

	if opts.watchConfig {
		watcher := controller.NewConfigWatcher(declaredPaths(cfg), poller.Trigger, ctrl.Log.WithName("deploy-state"))
		if err := mgr.Add(watcher); err != nil {
			return fmt.Errorf("unable to add config watcher: %w", err)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting controller manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

// Once runs a single tick and reports whether every reconciler converged far
// enough to continue without an operator.
func Once(args []string) error {
	_, cfg, err := setup("once", args)
	if err != nil {
		return err
	}

	c, err := client.New(ctrl.GetConfigOrDie(), client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("unable to create client: %w", err)
	}

	poller := controller.NewPoller(controller.PollerOptions{Config: cfg, Client: c}, ctrl.Log.WithName("deploy-state"))
	return summarize(poller.Tick(ctrl.SetupSignalHandler()))
}

func summarize(summary controller.TickSummary) error {
	for _, r := range summary.Results {
		setupLog.Info("Reconciler finished",
			"backend", r.Backend, "instance", r.Instance, "state", r.Phase, "duration", r.Duration.String())
	}
	if summary.NeedsManualIntervention() {
		return errors.Join(ErrManualIntervention, summary.Err())
	}
	return nil
}

func declaredPaths(cfg config.Controller) []string {
	var paths []string
	if cfg.AuthPlus.Enabled {
		paths = append(paths, cfg.AuthPlus.ClientsFile)
	}
	if cfg.Vault.Enabled {
		paths = append(paths, cfg.Vault.ConfigFile)
	}
	return paths
}
