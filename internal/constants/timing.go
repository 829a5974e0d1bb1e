package constants

import "time"

// Scheduling and timeout defaults used by the poller and the backend clients.
const (
	DefaultSchedule    = "@every 30s"
	DefaultTickTimeout = 5 * time.Minute

	DefaultRequestTimeout    = 10 * time.Second
	DefaultConnectionTimeout = 5 * time.Second

	ConfigWatchDebounce = 500 * time.Millisecond
)

// Reconciliation defaults.
const (
	DefaultAttempts       = 4
	DefaultVaultShares    = 5
	DefaultVaultThreshold = 3
	DefaultFanOutLimit    = 8
)
