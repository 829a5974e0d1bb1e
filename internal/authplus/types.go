package authplus

import (
	"bytes"
	"encoding/json"
)

// InitStatus is the response of GET /init.
type InitStatus struct {
	Initialized bool
}

// UnmarshalJSON accepts both a boolean and an object under "initialized" (or
// "Initialized"); older AuthPlus releases return the bootstrap client object
// once initialised. A missing or null field means not initialised.
func (s *InitStatus) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := fields["initialized"]
	if !ok {
		raw, ok = fields["Initialized"]
	}
	s.Initialized = false
	if !ok {
		return nil
	}

	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("true")):
		s.Initialized = true
	case len(raw) > 0 && raw[0] == '{':
		s.Initialized = true
	}
	return nil
}

// ClientMetadata is the registration request for a new OAuth client.
type ClientMetadata struct {
	ClientName string   `json:"client_name"`
	GrantTypes []string `json:"grant_types"`
	Scope      string   `json:"scope"`
}

// OAuthClient is a registered client. It is also the payload stored in the
// secret store, so fields must not be omitted when empty.
type OAuthClient struct {
	ClientID     string `json:"client_id"`
	ClientName   string `json:"client_name"`
	ClientSecret string `json:"client_secret"`
}

// AccessToken is the response of POST /token.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}
