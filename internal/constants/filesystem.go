package constants

// Default file locations inside the controller container.
const (
	PathCheckpointDir    = "/var/lib/ota-deploy-state"
	PathClientsConfig    = "/etc/ota-deploy-state/clients.json"
	PathVaultsConfig     = "/etc/ota-deploy-state/vaults.json"
	PathControllerConfig = "/etc/ota-deploy-state/config.yaml"
)

// Checkpoint file names.
const (
	CheckpointAuthPlus    = "auth-plus-init.json"
	CheckpointVaultPrefix = "vault-"
	CheckpointVaultSuffix = "-init.json"
)

// CheckpointFileMode restricts checkpoint files to the owner.
const CheckpointFileMode = 0o600
