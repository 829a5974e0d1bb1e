package constants

// Secret names and suffixes for records written by the controller.
const (
	// SecretAuthPlusAdmin holds the bootstrap admin client of AuthPlus.
	SecretAuthPlusAdmin = "auth-plus-admin"
	// SuffixVaultInit is appended to a Vault instance name to form its init-credential Secret.
	SuffixVaultInit = "-vault-init"
)

// AuthPlus bootstrap admin client metadata.
const (
	AuthPlusAdminClientName = "ota-auth-plus-admin"
	AuthPlusAdminGrantType  = "client_credentials"
	AuthPlusAdminScope      = "client.register client.update"
)

// Backend names used in logs, metrics and errors.
const (
	BackendAuthPlus    = "authplus"
	BackendVault       = "vault"
	BackendSecretStore = "secretstore"
)
