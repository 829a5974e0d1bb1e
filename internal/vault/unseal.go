package vault

import (
	"context"
	"fmt"

	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// Unsealer submits a single key share.
type Unsealer interface {
	Unseal(ctx context.Context, key string) (SealStatus, error)
}

// Unseal submits keys one at a time in list order and stops as soon as Vault
// reports itself unsealed. It returns the number of shares submitted. Running
// out of keys while still sealed fails with ErrKeysExhausted.
func Unseal(ctx context.Context, u Unsealer, keys []string) (int, error) {
	for i, key := range keys {
		status, err := u.Unseal(ctx, key)
		if err != nil {
			return i + 1, fmt.Errorf("failed to submit unseal key %d of %d: %w", i+1, len(keys), err)
		}
		if !status.Sealed {
			return i + 1, nil
		}
	}
	return len(keys), fmt.Errorf("submitted %d unseal keys: %w", len(keys), operrors.ErrKeysExhausted)
}
