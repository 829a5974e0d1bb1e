// Package config loads the declared state of the managed backends and the
// process configuration of the controller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	hcljson "github.com/hashicorp/hcl/v2/json"
	"github.com/tidwall/jsonc"

	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// ClientSpec is one OAuth client AuthPlus must know about. The JSON keys match
// the client-registration metadata accepted by AuthPlus.
type ClientSpec struct {
	Name       string   `json:"client_name"`
	GrantTypes []string `json:"grant_types"`
	Scope      string   `json:"scope"`
}

// PolicySpec names a Vault policy and the file holding its rules.
type PolicySpec struct {
	Name         string `json:"name"`
	PathToPolicy string `json:"pathToPolicy"`
}

// TokenSpec is a periodic Vault token stored under its display name.
type TokenSpec struct {
	DisplayName string   `json:"displayName"`
	Policies    []string `json:"policies"`
	Period      string   `json:"period"`
}

// MountSpec is a secrets engine mounted at Path.
type MountSpec struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// VaultSpec is the declared state of one Vault instance.
type VaultSpec struct {
	Name     string       `json:"name"`
	Policies []PolicySpec `json:"policies"`
	Tokens   []TokenSpec  `json:"tokens"`
	Mounts   []MountSpec  `json:"mounts"`
	URL      string       `json:"url"`
}

// VaultsFile is the top-level document of the Vault declared configuration.
type VaultsFile struct {
	Vaults []VaultSpec `json:"vaults"`
}

// LoadClients reads the declared AuthPlus clients from path. The file is a JSON
// list; comments and trailing commas are tolerated.
func LoadClients(path string) ([]ClientSpec, error) {
	var clients []ClientSpec
	if err := readJSONC(path, &clients); err != nil {
		return nil, err
	}
	if err := ValidateClients(clients); err != nil {
		return nil, err
	}
	return clients, nil
}

// LoadVaults reads the declared Vault instances from path.
func LoadVaults(path string) ([]VaultSpec, error) {
	var file VaultsFile
	if err := readJSONC(path, &file); err != nil {
		return nil, err
	}
	if err := ValidateVaults(file.Vaults); err != nil {
		return nil, err
	}
	return file.Vaults, nil
}

// ValidateClients checks that every client has a unique, non-empty name.
func ValidateClients(clients []ClientSpec) error {
	seen := make(map[string]struct{}, len(clients))
	for i, c := range clients {
		if strings.TrimSpace(c.Name) == "" {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("client %d: client_name is required", i))
		}
		if _, dup := seen[c.Name]; dup {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("client %q declared more than once", c.Name))
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// ValidateVaults checks names, URLs and the uniqueness of the entities declared
// for each Vault instance. Policy files are only read when the policy is applied.
func ValidateVaults(vaults []VaultSpec) error {
	names := make(map[string]struct{}, len(vaults))
	for i, v := range vaults {
		if strings.TrimSpace(v.Name) == "" {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("vault %d: name is required", i))
		}
		if _, dup := names[v.Name]; dup {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("vault %q declared more than once", v.Name))
		}
		names[v.Name] = struct{}{}

		if strings.TrimSpace(v.URL) == "" {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("vault %q: url is required", v.Name))
		}
		if err := v.validateEntities(); err != nil {
			return operrors.WrapInvalidConfiguration(fmt.Errorf("vault %q: %w", v.Name, err))
		}
	}
	return nil
}

func (v VaultSpec) validateEntities() error {
	policies := make(map[string]struct{}, len(v.Policies))
	for _, p := range v.Policies {
		if p.Name == "" || p.PathToPolicy == "" {
			return fmt.Errorf("policy requires name and pathToPolicy")
		}
		if _, dup := policies[p.Name]; dup {
			return fmt.Errorf("policy %q declared more than once", p.Name)
		}
		policies[p.Name] = struct{}{}
	}

	tokens := make(map[string]struct{}, len(v.Tokens))
	for _, t := range v.Tokens {
		if t.DisplayName == "" {
			return fmt.Errorf("token requires displayName")
		}
		if _, dup := tokens[t.DisplayName]; dup {
			return fmt.Errorf("token %q declared more than once", t.DisplayName)
		}
		tokens[t.DisplayName] = struct{}{}
	}

	mounts := make(map[string]struct{}, len(v.Mounts))
	for _, m := range v.Mounts {
		if m.Path == "" || m.Type == "" {
			return fmt.Errorf("mount requires path and type")
		}
		if _, dup := mounts[m.Path]; dup {
			return fmt.Errorf("mount %q declared more than once", m.Path)
		}
		mounts[m.Path] = struct{}{}
	}
	return nil
}

// Rules reads the policy document referenced by the spec and checks that it
// parses. Vault accepts policies in HCL or JSON; a .json extension selects the
// JSON syntax.
func (p PolicySpec) Rules() (string, error) {
	data, err := os.ReadFile(p.PathToPolicy)
	if err != nil {
		return "", operrors.WrapInvalidConfiguration(fmt.Errorf("policy %q: %w", p.Name, err))
	}

	var diags hcl.Diagnostics
	if strings.EqualFold(filepath.Ext(p.PathToPolicy), ".json") {
		_, diags = hcljson.Parse(data, p.PathToPolicy)
	} else {
		_, diags = hclsyntax.ParseConfig(data, p.PathToPolicy, hcl.Pos{Line: 1, Column: 1})
	}
	if diags.HasErrors() {
		return "", operrors.WrapInvalidConfiguration(fmt.Errorf("policy %q: %w", p.Name, diags))
	}
	return string(data), nil
}

func readJSONC(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return operrors.WrapInvalidConfiguration(fmt.Errorf("failed to read %s: %w", path, err))
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), out); err != nil {
		return operrors.WrapInvalidConfiguration(fmt.Errorf("failed to parse %s: %w", path, err))
	}
	return nil
}
