package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// Controller is the process configuration of the deploy-state controller.
type Controller struct {
	// Namespace holds every Secret the controller reads or writes.
	Namespace string `yaml:"namespace"`
	// Schedule is a cron expression (or @every descriptor) for poll ticks.
	Schedule string `yaml:"schedule"`
	// TickTimeout bounds a whole tick, including every reconciler it starts.
	TickTimeout time.Duration `yaml:"tickTimeout"`
	// Attempts is the per-reconciler budget of re-entries within one tick.
	Attempts int `yaml:"attempts"`
	// FanOutLimit caps concurrent backend calls within one fan-out step.
	FanOutLimit int `yaml:"fanOutLimit"`
	// CheckpointDir holds unconfirmed bootstrap credentials.
	CheckpointDir string `yaml:"checkpointDir"`

	Retry    RetryConfig    `yaml:"retry"`
	AuthPlus AuthPlusConfig `yaml:"authPlus"`
	Vault    VaultConfig    `yaml:"vault"`
}

// RetryConfig configures the wrapper around mutating backend calls.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// AuthPlusConfig selects the AuthPlus backend and its declared clients.
type AuthPlusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	ClientsFile string `yaml:"clientsFile"`
}

// VaultConfig selects the Vault declared configuration and init parameters.
type VaultConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ConfigFile      string `yaml:"configFile"`
	SecretShares    int    `yaml:"secretShares"`
	SecretThreshold int    `yaml:"secretThreshold"`
}

// Default returns the configuration used when no file is given.
func Default() Controller {
	return Controller{
		Namespace:     "default",
		Schedule:      constants.DefaultSchedule,
		TickTimeout:   constants.DefaultTickTimeout,
		Attempts:      constants.DefaultAttempts,
		FanOutLimit:   constants.DefaultFanOutLimit,
		CheckpointDir: constants.PathCheckpointDir,
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    2 * time.Second,
		},
		AuthPlus: AuthPlusConfig{
			Enabled:     true,
			URL:         "http://ota-auth-plus",
			ClientsFile: constants.PathClientsConfig,
		},
		Vault: VaultConfig{
			Enabled:         true,
			ConfigFile:      constants.PathVaultsConfig,
			SecretShares:    constants.DefaultVaultShares,
			SecretThreshold: constants.DefaultVaultThreshold,
		},
	}
}

// LoadController reads the YAML file at path on top of Default. A missing file
// at the default location is not an error; an explicitly named one is.
func LoadController(path string, required bool) (Controller, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, operrors.WrapInvalidConfiguration(fmt.Errorf("failed to read %s: %w", path, err))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, operrors.WrapInvalidConfiguration(fmt.Errorf("failed to parse %s: %w", path, err))
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Controller) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(constants.EnvAuthPlusURL); ok && v != "" {
		c.AuthPlus.URL = v
	}
	if v, ok := lookup(constants.EnvNamespace); ok && v != "" {
		c.Namespace = v
	}
	if v, ok := lookup(constants.EnvCheckpointDir); ok && v != "" {
		c.CheckpointDir = v
	}
}

// Validate rejects configurations the controller cannot run with.
func (c Controller) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid schedule %q: %w", c.Schedule, err))
	}
	if c.TickTimeout <= 0 {
		errs = append(errs, errors.New("tickTimeout must be positive"))
	}
	if c.Attempts <= 0 {
		errs = append(errs, errors.New("attempts must be positive"))
	}
	if c.CheckpointDir == "" {
		errs = append(errs, errors.New("checkpointDir is required"))
	}
	if c.AuthPlus.Enabled {
		if c.AuthPlus.URL == "" {
			errs = append(errs, errors.New("authPlus.url is required"))
		}
		if c.AuthPlus.ClientsFile == "" {
			errs = append(errs, errors.New("authPlus.clientsFile is required"))
		}
	}
	if c.Vault.Enabled {
		if c.Vault.ConfigFile == "" {
			errs = append(errs, errors.New("vault.configFile is required"))
		}
		if c.Vault.SecretThreshold <= 0 || c.Vault.SecretThreshold > c.Vault.SecretShares {
			errs = append(errs, fmt.Errorf("vault.secretThreshold must be between 1 and secretShares (%d)", c.Vault.SecretShares))
		}
	}
	if len(errs) > 0 {
		return operrors.WrapInvalidConfiguration(errors.Join(errs...))
	}
	return nil
}
