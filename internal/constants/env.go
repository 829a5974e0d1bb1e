package constants

// Environment variables read at startup. They override values from the config file.
const (
	EnvAuthPlusURL   = "AUTH_PLUS_URL"
	EnvNamespace     = "DEPLOY_STATE_NAMESPACE"
	EnvCheckpointDir = "DEPLOY_STATE_CHECKPOINT_DIR"
)
