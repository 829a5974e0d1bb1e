package vault

import "time"

// InitCredentials is the output of Vault initialisation. It is stored in the
// secret store, so fields must not be omitted when empty.
type InitCredentials struct {
	Keys       []string `json:"keys"`
	KeysBase64 []string `json:"keys_base64"`
	RootToken  string   `json:"root_token"`
}

// UnsealKeys returns the key shares to submit, preferring the base64 form.
func (c InitCredentials) UnsealKeys() []string {
	if len(c.KeysBase64) > 0 {
		return c.KeysBase64
	}
	return c.Keys
}

// SealStatus is the response of the seal-status and unseal endpoints.
type SealStatus struct {
	Sealed    bool
	Threshold int
	Shares    int
	Progress  int
	Version   string
}

// TokenRequest describes a token to create. A non-empty ID asks Vault to use
// that value as the token, which keeps existing consumers working.
type TokenRequest struct {
	ID          string
	DisplayName string
	Policies    []string
	Period      string
}

// TokenInfo is the subset of a token lookup the reconciler needs.
type TokenInfo struct {
	TTL         time.Duration
	Policies    []string
	DisplayName string
}

// TokenRecord is the stored form of an access token.
type TokenRecord struct {
	VaultToken string `json:"VAULT_TOKEN"`
}
