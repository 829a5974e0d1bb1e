// Package secretstore persists credential artifacts as Kubernetes Secrets.
package secretstore

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// Store reads and writes Secrets in a single namespace.
type Store struct {
	client    client.Client
	namespace string
}

// New returns a Store bound to namespace.
func New(c client.Client, namespace string) *Store {
	return &Store{
		client:    c,
		namespace: namespace,
	}
}

// Namespace returns the namespace the store writes to.
func (s *Store) Namespace() string {
	return s.namespace
}

// Labels returns the label set applied to every record written by the controller.
func Labels(backend, kind, instance string) map[string]string {
	labels := map[string]string{
		constants.LabelAppName:            constants.LabelValueAppName,
		constants.LabelAppManagedBy:       constants.LabelValueManagedBy,
		constants.LabelDeployStateBackend: backend,
		constants.LabelDeployStateKind:    kind,
	}
	if instance != "" {
		labels[constants.LabelAppInstance] = instance
	}
	return labels
}

// Get fetches and decodes the record called name. A missing record yields an
// error matching ErrNotFoundInStore.
func Get[D any](ctx context.Context, s *Store, name string) (Secret[D], error) {
	obj := &corev1.Secret{}
	if err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: name}, obj); err != nil {
		return Secret[D]{}, wrapStoreError(err, "get", s.namespace, name)
	}
	return Decode[D](obj)
}

// Create writes a new record. It fails if a record with the same name exists.
func Create[D any](ctx context.Context, s *Store, name string, labels map[string]string, data D) error {
	obj, err := Encode(NewSecret(name, s.namespace, labels, data))
	if err != nil {
		return err
	}
	if err := s.client.Create(ctx, obj); err != nil {
		return wrapStoreError(err, "create", s.namespace, name)
	}
	return nil
}

// Upsert creates the record if it is missing and replaces it otherwise.
func Upsert[D any](ctx context.Context, s *Store, name string, labels map[string]string, data D) error {
	existing := &corev1.Secret{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: name}, existing)
	if apierrors.IsNotFound(err) {
		return Create(ctx, s, name, labels, data)
	}
	if err != nil {
		return wrapStoreError(err, "get", s.namespace, name)
	}
	return replace(ctx, s, existing, labels, data)
}

func replace[D any](ctx context.Context, s *Store, existing *corev1.Secret, labels map[string]string, data D) error {
	desired, err := Encode(NewSecret(existing.Name, s.namespace, labels, data))
	if err != nil {
		return err
	}

	existing.Data = desired.Data
	existing.StringData = nil
	if existing.Type == "" {
		existing.Type = desired.Type
	}
	if existing.Labels == nil {
		existing.Labels = make(map[string]string, len(desired.Labels))
	}
	for k, v := range desired.Labels {
		existing.Labels[k] = v
	}

	if err := s.client.Update(ctx, existing); err != nil {
		return wrapStoreError(err, "update", s.namespace, existing.Name)
	}
	return nil
}

func wrapStoreError(err error, op, namespace, name string) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("secret %s/%s: %w", namespace, name, operrors.ErrNotFoundInStore)
	}
	wrapped := fmt.Errorf("failed to %s secret %s/%s: %w", op, namespace, name, err)
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		operrors.IsTransientConnection(err) {
		return operrors.WrapTransientConnection(wrapped)
	}
	return wrapped
}
