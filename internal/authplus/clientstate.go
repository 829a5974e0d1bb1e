package authplus

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

// ClientChecker classifies a declared client against the secret store and AuthPlus.
type ClientChecker struct {
	api    API
	store  *secretstore.Store
	logger logr.Logger
}

// NewClientChecker returns a checker using api and store.
func NewClientChecker(api API, store *secretstore.Store, logger logr.Logger) *ClientChecker {
	return &ClientChecker{api: api, store: store, logger: logger}
}

// Check looks the client up in the store by name and, when found, in AuthPlus by
// the stored id. Misses become classifications; a failure to reach either side
// is returned as an error.
func (c *ClientChecker) Check(ctx context.Context, spec config.ClientSpec) (diff.Result[config.ClientSpec], error) {
	logger := c.logger.WithValues("client", spec.Name)

	record, err := secretstore.Get[OAuthClient](ctx, c.store, spec.Name)
	switch {
	case errors.Is(err, operrors.ErrNotFoundInStore):
		return c.result(logger, spec, false, false), nil
	case errors.Is(err, operrors.ErrDecodeFailure):
		logger.Info("Stored client record is unreadable, recreating", "error", err.Error())
		return c.result(logger, spec, true, false), nil
	case err != nil:
		return diff.Result[config.ClientSpec]{}, fmt.Errorf("failed to fetch client %q from secret store: %w", spec.Name, err)
	}

	if record.Data.ClientID == "" {
		return c.result(logger, spec, true, false), nil
	}

	_, err = c.api.GetClient(ctx, record.Data.ClientID)
	switch {
	case err == nil:
		return c.result(logger, spec, true, true), nil
	case operrors.IsBackendResponse(err):
		logger.V(1).Info("Auth plus rejected stored client", "error", err.Error())
		return c.result(logger, spec, true, false), nil
	default:
		return diff.Result[config.ClientSpec]{}, fmt.Errorf("failed to look up client %q in auth plus: %w", spec.Name, err)
	}
}

func (c *ClientChecker) result(logger logr.Logger, spec config.ClientSpec, storePresent, backendPresent bool) diff.Result[config.ClientSpec] {
	kind := diff.Classify(storePresent, backendPresent)
	logger.V(1).Info("Classified client", "state", kind)
	return diff.Result[config.ClientSpec]{Kind: kind, Spec: spec}
}
