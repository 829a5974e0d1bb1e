package vault

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dc-tec/ota-deploy-state/internal/config"
	"github.com/dc-tec/ota-deploy-state/internal/diff"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// MountChecker classifies declared mounts. Mounts have no secret-store record,
// so they are either present or absent.
type MountChecker struct {
	backend Backend
	logger  logr.Logger
}

// NewMountChecker returns a checker querying backend.
func NewMountChecker(backend Backend, logger logr.Logger) *MountChecker {
	return &MountChecker{backend: backend, logger: logger}
}

// Check looks up the tune configuration of the mount. An error response means
// the mount is absent; failing to reach Vault is returned as an error.
func (c *MountChecker) Check(ctx context.Context, spec config.MountSpec) (diff.Result[config.MountSpec], error) {
	err := c.backend.MountExists(ctx, spec.Path)
	var kind diff.Kind
	switch {
	case err == nil:
		kind = diff.Present
	case operrors.IsBackendResponse(err):
		kind = diff.Absent
	default:
		return diff.Result[config.MountSpec]{}, fmt.Errorf("failed to check mount %q: %w", spec.Path, err)
	}
	c.logger.V(1).Info("Classified mount", "mount", spec.Path, "state", kind)
	return diff.Result[config.MountSpec]{Kind: kind, Spec: spec}, nil
}
