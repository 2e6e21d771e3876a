// Package config loads the lattice YAML configuration. A file is checked
// against an embedded CUE schema before it is decoded, so unknown keys and
// ill-typed values are reported with their path.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/client"
	"github.com/roach88/lattice/internal/server"
)

//go:embed schema.cue
var schemaSource string

// Config is the whole configuration file.
type Config struct {
	Listen      string        `yaml:"listen"`
	MetricsPath string        `yaml:"metrics_path"`
	Store       StoreConfig   `yaml:"store"`
	BTree       btree.Config  `yaml:"btree"`
	Server      ServerConfig  `yaml:"server"`
	Client      client.Config `yaml:"client"`
}

// StoreConfig selects the chunk backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// ServerConfig is server.Config plus the tokens accepted on connect.
// No tokens means every connection is accepted.
type ServerConfig struct {
	server.Config `yaml:",inline"`
	Tokens        map[string]string `yaml:"tokens"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Listen:      "127.0.0.1:7070",
		MetricsPath: "/metrics",
		Store:       StoreConfig{Backend: "sqlite", Path: "lattice.db"},
		BTree:       btree.DefaultConfig(),
		Server:      ServerConfig{Config: server.DefaultConfig()},
		Client:      client.DefaultConfig(),
	}
}

// SchemaError is a schema violation at a dotted path.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
}

// IsSchemaError returns true if err is or wraps a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema, decodes it over Default and
// checks the cross-field rules of each section.
func Parse(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if raw != nil {
		if err := checkSchema(raw); err != nil {
			return Config{}, err
		}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the %s backend", c.Store.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if err := c.BTree.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("config: server: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("config: client: %w", err)
	}
	return nil
}

// Authenticator returns the server authenticator the config describes.
func (c ServerConfig) Authenticator() server.Authenticator {
	if len(c.Tokens) == 0 {
		return server.AllowAll{}
	}
	return server.StaticTokens(c.Tokens)
}

func checkSchema(raw any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError reports the first CUE error with its path.
func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &SchemaError{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}
