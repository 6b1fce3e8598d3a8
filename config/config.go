// Package config holds the identity provider's configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TLSConfig enables HTTPS on the RPC endpoint. Setting ClientCA also
// requires clients to present a certificate signed by it.
type TLSConfig struct {
	Cert     string `json:"cert"`
	Key      string `json:"key"`
	ClientCA string `json:"client_ca,omitempty"`
}

// Config holds all provider configuration.
type Config struct {
	DataDir      string `json:"data_dir"`
	RPCPort      int    `json:"rpc_port"`
	RPCAuthToken string `json:"rpc_auth_token,omitempty"` // empty → no auth required
	UpstreamURL  string `json:"upstream_url"`
	// PasswordEnv names the environment variable holding the keystore
	// password. Passwords are never read from flags or this file.
	PasswordEnv string `json:"password_env"`
	// ProxyArtifact is a compiled proxy contract; without it contract
	// identities cannot be created.
	ProxyArtifact string   `json:"proxy_artifact,omitempty"`
	DefaultGas    uint64   `json:"default_gas"`
	PollInterval  Duration `json:"poll_interval"`
	// ChainID overrides the chain id reported by the upstream node; 0 → ask.
	ChainID uint64     `json:"chain_id,omitempty"`
	TLS     *TLSConfig `json:"tls,omitempty"`
}

// DefaultConfig returns a development configuration against a local node.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "./data",
		RPCPort:      8546,
		UpstreamURL:  "http://127.0.0.1:8545",
		PasswordEnv:  "IDP_PASSWORD",
		DefaultGas:   3_000_000,
		PollInterval: Duration(time.Second),
	}
}

// Load reads a JSON config file from path. Fields absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks that cfg can be used to start the provider.
func (c *Config) Validate() error {
	var errs []error
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		errs = append(errs, fmt.Errorf("rpc_port %d out of range", c.RPCPort))
	}
	if c.UpstreamURL == "" {
		errs = append(errs, errors.New("upstream_url is required"))
	}
	if c.PasswordEnv == "" {
		errs = append(errs, errors.New("password_env is required"))
	}
	if c.DefaultGas == 0 {
		errs = append(errs, errors.New("default_gas must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.TLS != nil && (c.TLS.Cert == "" || c.TLS.Key == "") {
		errs = append(errs, errors.New("tls needs both cert and key"))
	}
	return errors.Join(errs...)
}

// ChainIDOverride returns the configured chain id, or nil to ask the node.
func (c *Config) ChainIDOverride() *big.Int {
	if c.ChainID == 0 {
		return nil
	}
	return new(big.Int).SetUint64(c.ChainID)
}
