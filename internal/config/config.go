// Package config provides functionality for managing configuration options
// for the broker using command-line flags, a config file and environment
// variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ResubmitPolicy controls whether an approved request blocks a new one.
type ResubmitPolicy string

const (
	// ResubmitAfterExpiry lets a user re-request a secret once their grant lapsed.
	ResubmitAfterExpiry ResubmitPolicy = "after_expiry"
	// ResubmitNever blocks any new request once one was approved for the pair.
	ResubmitNever ResubmitPolicy = "never"
)

// Vault holds the connection settings of the external vault.
type Vault struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Mount     string `yaml:"mount"`
	VerifyTLS bool   `yaml:"verify_tls"`
	CACert    string `yaml:"ca_cert"`
}

// Options holds the configuration values for the application.
type Options struct {
	// Address defines the server's listening address (ip:port).
	Address string `yaml:"address"`

	// DatabaseDSN holds the database connection string. Empty selects the
	// in-memory development store.
	DatabaseDSN string `yaml:"database_dsn"`

	// Config is the path to the config file.
	Config string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	JWTSigningKey string        `yaml:"jwt_signing_key"`
	TokenTTL      time.Duration `yaml:"token_ttl"`

	Vault Vault `yaml:"vault"`

	// RedisURL enables cross-instance long-poll wake-ups.
	RedisURL string `yaml:"redis_url"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	PollDefaultTimeout time.Duration `yaml:"poll_default_timeout"`
	PollMaxTimeout     time.Duration `yaml:"poll_max_timeout"`

	MaxAccessPeriodDays int            `yaml:"max_access_period_days"`
	ResubmitPolicy      ResubmitPolicy `yaml:"resubmit_policy"`

	StatsInterval  time.Duration `yaml:"stats_interval"`
	MigrateOnStart bool          `yaml:"migrate_on_start"`
}

// MinSigningKeyLen is the shortest JWT signing key accepted with a database.
const MinSigningKeyLen = 32

// Default returns options with every default applied. The signing key is
// left empty: Load generates one for the in-memory store and a database
// deployment must configure its own.
func Default() *Options {
	return &Options{
		Address:             "localhost:8080",
		Config:              "config.yaml",
		LogLevel:            "info",
		TokenTTL:            30 * time.Minute,
		Vault:               Vault{Address: "http://127.0.0.1:8200", Mount: "secret"},
		PollInterval:        2 * time.Second,
		PollDefaultTimeout:  30 * time.Second,
		PollMaxTimeout:      60 * time.Second,
		MaxAccessPeriodDays: 365,
		ResubmitPolicy:      ResubmitAfterExpiry,
		StatsInterval:       30 * time.Second,
		MigrateOnStart:      true,
	}
}

// RegisterFlags binds the command-line flags to a fresh Options value.
func RegisterFlags(fs *pflag.FlagSet) *Options {
	o := Default()
	fs.StringVarP(&o.Address, "address", "a", o.Address, "run on ip:port server")
	fs.StringVarP(&o.DatabaseDSN, "database-dsn", "d", o.DatabaseDSN, "db address")
	fs.StringVarP(&o.Config, "config", "c", o.Config, "path to config file")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&o.RedisURL, "redis-url", o.RedisURL, "redis URL for cross-instance change signals")
	fs.StringVar(&o.TLSCert, "tls-cert", o.TLSCert, "server TLS certificate")
	fs.StringVar(&o.TLSKey, "tls-key", o.TLSKey, "server TLS key")
	fs.BoolVar(&o.MigrateOnStart, "migrate", o.MigrateOnStart, "apply database migrations on start")
	return o
}

// Load applies the config file and environment variables to o. Flags the
// user set explicitly keep their value.
func (o *Options) Load(fs *pflag.FlagSet) error {
	explicit := *o

	if configPath := os.Getenv("CONFIG"); configPath != "" && !changed(fs, "config") {
		o.Config = configPath
	}

	if o.Config != "" {
		if _, err := os.Stat(o.Config); err == nil {
			data, err := os.ReadFile(o.Config)
			if err != nil {
				return fmt.Errorf("error while reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, o); err != nil {
				return fmt.Errorf("error while parsing config file: %w", err)
			}
		}
	}

	if err := o.applyEnv(); err != nil {
		return err
	}

	if changed(fs, "address") {
		o.Address = explicit.Address
	}
	if changed(fs, "database-dsn") {
		o.DatabaseDSN = explicit.DatabaseDSN
	}
	if changed(fs, "log-level") {
		o.LogLevel = explicit.LogLevel
	}
	if changed(fs, "redis-url") {
		o.RedisURL = explicit.RedisURL
	}
	if changed(fs, "tls-cert") {
		o.TLSCert = explicit.TLSCert
	}
	if changed(fs, "tls-key") {
		o.TLSKey = explicit.TLSKey
	}
	if changed(fs, "migrate") {
		o.MigrateOnStart = explicit.MigrateOnStart
	}

	if err := o.Validate(); err != nil {
		return err
	}
	return o.ensureSigningKey()
}

// ensureSigningKey gives an in-memory deployment a random key for the life
// of the process. Its tokens die with its data on restart.
func (o *Options) ensureSigningKey() error {
	if o.JWTSigningKey != "" {
		return nil
	}
	b := make([]byte, MinSigningKeyLen)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	o.JWTSigningKey = hex.EncodeToString(b)
	return nil
}

func (o *Options) applyEnv() error {
	str := map[string]*string{
		"SERVER_ADDRESS":  &o.Address,
		"DATABASE_DSN":    &o.DatabaseDSN,
		"LOG_LEVEL":       &o.LogLevel,
		"JWT_SIGNING_KEY": &o.JWTSigningKey,
		"OPENBAO_ADDR":    &o.Vault.Address,
		"OPENBAO_TOKEN":   &o.Vault.Token,
		"MOUNT":           &o.Vault.Mount,
		"VAULT_CACERT":    &o.Vault.CACert,
		"REDIS_URL":       &o.RedisURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("VERIFY_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_TLS: %w", err)
		}
		o.Vault.VerifyTLS = b
	}
	if v := os.Getenv("ACCESS_TOKEN_TTL_MINUTES"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES: %w", err)
		}
		o.TokenTTL = time.Duration(m) * time.Minute
	}
	if v := os.Getenv("RESUBMIT_POLICY"); v != "" {
		o.ResubmitPolicy = ResubmitPolicy(v)
	}
	return nil
}

// Validate rejects option combinations the broker cannot run with.
func (o *Options) Validate() error {
	switch o.ResubmitPolicy {
	case ResubmitAfterExpiry, ResubmitNever:
	default:
		return fmt.Errorf("unknown resubmit_policy %q", o.ResubmitPolicy)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if o.PollMaxTimeout <= 0 || o.PollDefaultTimeout <= 0 || o.PollDefaultTimeout > o.PollMaxTimeout {
		return fmt.Errorf("poll_default_timeout must be positive and not exceed poll_max_timeout")
	}
	if o.MaxAccessPeriodDays < 1 {
		return fmt.Errorf("max_access_period_days must be at least 1")
	}
	if o.DatabaseDSN != "" && len(o.JWTSigningKey) < MinSigningKeyLen {
		return fmt.Errorf("jwt_signing_key of at least %d bytes is required with database_dsn", MinSigningKeyLen)
	}
	if o.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive")
	}
	if (o.TLSCert == "") != (o.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}

func changed(fs *pflag.FlagSet, name string) bool {
	if fs == nil {
		return false
	}
	f := fs.Lookup(name)
	return f != nil && f.Changed
}
