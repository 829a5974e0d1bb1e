package secretstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// Envelope constants. Records are plain Kubernetes Secrets.
const (
	APIVersion = "v1"
	Kind       = "Secret"
	Type       = corev1.SecretTypeOpaque
)

// Metadata identifies a stored record.
type Metadata struct {
	Name      string
	Namespace string
	Labels    map[string]string
}

// Secret is the stored envelope around a credential artifact D.
//
// D is any JSON-tagged struct. Each top-level field becomes one Secret data key:
// string fields are stored as their raw value, other fields as their JSON
// encoding. The Kubernetes API base64-encodes data values on the wire, so
// callers only ever see plaintext.
type Secret[D any] struct {
	APIVersion string
	Kind       string
	Type       corev1.SecretType
	Metadata   Metadata
	Data       D
}

// NewSecret wraps data in an envelope with the fixed apiVersion, kind and type.
func NewSecret[D any](name, namespace string, labels map[string]string, data D) Secret[D] {
	return Secret[D]{
		APIVersion: APIVersion,
		Kind:       Kind,
		Type:       Type,
		Metadata: Metadata{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Data: data,
	}
}

// Encode converts an envelope into a Kubernetes Secret object.
func Encode[D any](s Secret[D]) (*corev1.Secret, error) {
	fields, err := fieldsOf(s.Data)
	if err != nil {
		return nil, operrors.WrapDecodeFailure(fmt.Errorf("failed to encode secret %q: %w", s.Metadata.Name, err))
	}

	data := make(map[string][]byte, len(fields))
	for key, raw := range fields {
		if isJSONString(raw) {
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				return nil, operrors.WrapDecodeFailure(fmt.Errorf("failed to encode field %q of secret %q: %w", key, s.Metadata.Name, err))
			}
			data[key] = []byte(str)
			continue
		}
		data[key] = []byte(raw)
	}

	labels := make(map[string]string, len(s.Metadata.Labels))
	for k, v := range s.Metadata.Labels {
		labels[k] = v
	}

	return &corev1.Secret{
		TypeMeta: metav1.TypeMeta{
			APIVersion: APIVersion,
			Kind:       Kind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.Metadata.Name,
			Namespace: s.Metadata.Namespace,
			Labels:    labels,
		},
		Type: Type,
		Data: data,
	}, nil
}

// Decode converts a Kubernetes Secret object back into an envelope. Keys that
// D does not declare are ignored; keys D declares but the Secret lacks keep
// their zero value.
func Decode[D any](obj *corev1.Secret) (Secret[D], error) {
	var zero D
	template, err := fieldsOf(zero)
	if err != nil {
		return Secret[D]{}, operrors.WrapDecodeFailure(err)
	}

	fields := make(map[string]json.RawMessage, len(template))
	for key, shape := range template {
		value, ok := obj.Data[key]
		if !ok {
			continue
		}
		if isJSONString(shape) {
			quoted, err := json.Marshal(string(value))
			if err != nil {
				return Secret[D]{}, operrors.WrapDecodeFailure(err)
			}
			fields[key] = quoted
			continue
		}
		if !json.Valid(value) {
			return Secret[D]{}, operrors.WrapDecodeFailure(
				fmt.Errorf("secret %s/%s field %q is not valid JSON", obj.Namespace, obj.Name, key))
		}
		fields[key] = json.RawMessage(value)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return Secret[D]{}, operrors.WrapDecodeFailure(err)
	}

	var data D
	if err := json.Unmarshal(raw, &data); err != nil {
		return Secret[D]{}, operrors.WrapDecodeFailure(
			fmt.Errorf("failed to decode secret %s/%s: %w", obj.Namespace, obj.Name, err))
	}

	labels := make(map[string]string, len(obj.Labels))
	for k, v := range obj.Labels {
		labels[k] = v
	}

	return Secret[D]{
		APIVersion: APIVersion,
		Kind:       Kind,
		Type:       obj.Type,
		Metadata: Metadata{
			Name:      obj.Name,
			Namespace: obj.Namespace,
			Labels:    labels,
		},
		Data: data,
	}, nil
}

func fieldsOf(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("secret payload must be a JSON object: %w", err)
	}
	return fields, nil
}

func isJSONString(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) > 0 && bytes.TrimSpace(raw)[0] == '"'
}
