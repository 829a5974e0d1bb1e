package constants

// Common Kubernetes label keys applied to Secrets written by the controller.
const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppInstance  = "app.kubernetes.io/instance"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
	LabelAppComponent = "app.kubernetes.io/component"

	LabelDeployStateBackend = "ota.deploy-state/backend"
	LabelDeployStateKind    = "ota.deploy-state/kind"
)

// Common label values used by the controller.
const (
	LabelValueAppName   = "ota-deploy-state"
	LabelValueManagedBy = "ota-deploy-state"

	LabelValueBackendAuthPlus = "auth-plus"
	LabelValueBackendVault    = "vault"

	LabelValueKindInitCredentials = "init-credentials"
	LabelValueKindOAuthClient     = "oauth-client"
	LabelValueKindAccessToken     = "access-token"
)
