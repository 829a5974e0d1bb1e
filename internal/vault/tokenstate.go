package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/diff"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
	"github.com/dc-tec/ota-deploy-state/internal/secretstore"
)

// TokenChecker classifies declared tokens against the secret store and Vault.
type TokenChecker struct {
	backend Backend
	store   *secretstore.Store
	logger  logr.Logger
}

// NewTokenChecker returns a checker using backend and store.
func NewTokenChecker(backend Backend, store *secretstore.Store, logger logr.Logger) *TokenChecker {
	return &TokenChecker{backend: backend, store: store, logger: logger}
}

// Check fetches the stored token by display name and looks it up in Vault.
// A token Vault still honours is present unless its TTL is within the expiry
// threshold.
func (c *TokenChecker) Check(ctx context.Context, spec config.TokenSpec) (diff.Result[config.TokenSpec], error) {
	logger := c.logger.WithValues("token", spec.DisplayName)

	record, err := secretstore.Get[TokenRecord](ctx, c.store, spec.DisplayName)
	switch {
	case errors.Is(err, operrors.ErrNotFoundInStore):
		return c.result(logger, spec, diff.Absent), nil
	case errors.Is(err, operrors.ErrDecodeFailure):
		logger.Info("Stored token record is unreadable, recreating", "error", err.Error())
		return c.result(logger, spec, diff.StoreOnly), nil
	case err != nil:
		return diff.Result[config.TokenSpec]{}, fmt.Errorf("failed to fetch token %q from secret store: %w", spec.DisplayName, err)
	}

	if record.Data.VaultToken == "" {
		return c.result(logger, spec, diff.StoreOnly), nil
	}

	info, err := c.backend.LookupToken(ctx, record.Data.VaultToken)
	switch {
	case err == nil:
		return c.result(logger, spec, diff.ClassifyToken(true, true, info.TTL)), nil
	case operrors.IsBackendResponse(err):
		logger.V(1).Info("Vault rejected stored token", "error", err.Error())
		return c.result(logger, spec, diff.StoreOnly), nil
	default:
		return diff.Result[config.TokenSpec]{}, fmt.Errorf("failed to look up token %q in vault: %w", spec.DisplayName, err)
	}
}

func (c *TokenChecker) result(logger logr.Logger, spec config.TokenSpec, kind diff.Kind) diff.Result[config.TokenSpec] {
	logger.V(1).Info("Classified token", "state", kind)
	return diff.Result[config.TokenSpec]{Kind: kind, Spec: spec}
}
