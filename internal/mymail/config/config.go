// Package config loads the bootstrap accounts file. The file seeds the
// accounts table on first start; after that the store is authoritative and
// the file is ignored.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

//go:embed schema.json
var schemaBytes []byte

// BootstrapAccount is one account entry in the bootstrap file.
type BootstrapAccount struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// Bootstrap is the decoded bootstrap file.
type Bootstrap struct {
	Accounts []BootstrapAccount `yaml:"accounts"`
}

// Parse decodes and validates bootstrap YAML.
func Parse(data []byte) (*Bootstrap, error) {
	// Validate the raw document against the schema first so errors name
	// the offending field instead of surfacing as decode oddities.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bootstrap parse: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("accounts.schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	schema, err := compiler.Compile("accounts.schema.json")
	if err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("bootstrap validate: %w", err)
	}

	var cfg Bootstrap
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bootstrap parse: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads and parses a bootstrap file.
func LoadFile(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap read: %w", err)
	}
	return Parse(data)
}

// ImportAccounts seeds the store from the bootstrap file when the accounts
// table is empty. Existing accounts always win; the import is skipped.
func ImportAccounts(ctx context.Context, s *store.Store, cfg *Bootstrap) error {
	existing, err := s.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap import: %w", err)
	}
	if len(existing) > 0 {
		slog.Debug("accounts already configured, skipping bootstrap import", "count", len(existing))
		return nil
	}

	for _, acc := range cfg.Accounts {
		name := acc.Name
		if name == "" {
			name = acc.Username
		}
		id, err := s.AddAccount(ctx, &store.Account{
			URL:         acc.URL,
			Credentials: jmap.Credentials{Username: acc.Username, Password: acc.Password},
			Name:        name,
		})
		if err != nil {
			return fmt.Errorf("bootstrap import %q: %w", name, err)
		}
		slog.Info("imported account", "id", id, "name", name, "url", acc.URL)
	}
	return nil
}
