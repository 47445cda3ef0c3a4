// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from config.toml
// and LICENSRV__ environment variables. A default config file is written
// on first run.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/logger"
)

const envPrefix = "LICENSRV__"

var configTemplate = `# config.toml

# Hostname / IP
#
host = "{{ .host }}"

# Port
#
port = 7575

# Base url
# Set custom baseUrl eg /licensrv/ to serve in subdirectory.
# Not needed for subdomain, or by accessing with the :port directly.
# Optional
#
#baseUrl = "/licensrv/"

# Log level
#
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
#
logLevel = "INFO"

# Log Path
#
# Optional
#
#logPath = "log/licensrv.log"

# Metrics
#
# Enable metrics endpoint
#
#metricsEnabled = true

# Metrics server host
#
#metricsHost = "127.0.0.1"

# Metrics server port
#
#metricsPort = 9074

# Default RSA key size for generated signing keys
#
# Options: 2048, 4096
#
#defaultKeySize = 2048

# Rotation grace window in hours
#
# Signatures made with a retired key pair keep verifying for this long
# after rotation. 0 rejects them immediately.
#
#keyRotationGraceHours = 720

# Activation validity in days
#
# The activation window stamped on a product key at first activation.
#
#activationValidityDays = 365

# Renewal warning in days
#
# Validation responses warn this many days before expiry.
#
#renewalWarningDays = 30

# Stale activation cutoff in hours
#
# License activations without a heartbeat for this long are reclaimed.
# 0 disables the sweep.
#
#staleActivationCutoffHours = 0

# Allow device reactivation
#
# When true a device holding an active license activation may activate
# again, refreshing its token, instead of failing.
#
#allowDeviceReactivation = false
`

// AppConfig owns the viper instance and the decoded configuration.
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper
}

func New(configPath string, version string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}
	c.defaults(version)

	if err := c.load(configPath); err != nil {
		return nil, err
	}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.ensureEncryptionKey(configPath); err != nil {
		return nil, err
	}
	if err := c.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return c, nil
}

func (c *AppConfig) defaults(version string) {
	c.Config = &domain.Config{
		Version:                    version,
		Host:                       "localhost",
		Port:                       7575,
		LogLevel:                   "INFO",
		LogMaxSize:                 50,
		LogMaxBackups:              3,
		MetricsEnabled:             false,
		MetricsHost:                "127.0.0.1",
		MetricsPort:                9074,
		DefaultKeySize:             2048,
		KeyRotationGraceHours:      720,
		ActivationValidityDays:     365,
		RenewalWarningDays:         30,
		StaleActivationCutoffHours: 0,
		AllowDeviceReactivation:    false,
	}

	c.viper.SetDefault("host", c.Config.Host)
	c.viper.SetDefault("port", c.Config.Port)
	c.viper.SetDefault("logLevel", c.Config.LogLevel)
	c.viper.SetDefault("logPath", c.Config.LogPath)
	c.viper.SetDefault("logMaxSize", c.Config.LogMaxSize)
	c.viper.SetDefault("logMaxBackups", c.Config.LogMaxBackups)
	c.viper.SetDefault("baseUrl", c.Config.BaseURL)
	c.viper.SetDefault("databasePath", c.Config.DatabasePath)
	c.viper.SetDefault("encryptionKey", c.Config.EncryptionKey)
	c.viper.SetDefault("metricsEnabled", c.Config.MetricsEnabled)
	c.viper.SetDefault("metricsHost", c.Config.MetricsHost)
	c.viper.SetDefault("metricsPort", c.Config.MetricsPort)
	c.viper.SetDefault("defaultKeySize", c.Config.DefaultKeySize)
	c.viper.SetDefault("keyRotationGraceHours", c.Config.KeyRotationGraceHours)
	c.viper.SetDefault("activationValidityDays", c.Config.ActivationValidityDays)
	c.viper.SetDefault("renewalWarningDays", c.Config.RenewalWarningDays)
	c.viper.SetDefault("staleActivationCutoffHours", c.Config.StaleActivationCutoffHours)
	c.viper.SetDefault("allowDeviceReactivation", c.Config.AllowDeviceReactivation)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		if filepath.Ext(configPath) == ".toml" {
			c.viper.SetConfigFile(configPath)
		} else {
			c.viper.AddConfigPath(configPath)
			c.viper.SetConfigName("config")
		}

		if err := c.writeConfig(configPath); err != nil {
			return errors.Wrap(err, "write default config file")
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath("$HOME/.config/licensrv")
		c.viper.AddConfigPath("$HOME/.licensrv")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "config file found but could not be read")
		}
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return errors.Wrap(err, "unable to unmarshal config")
	}

	if c.Config.DataDir == "" {
		c.Config.DataDir = c.configDir(configPath)
	}
	if c.Config.DatabasePath == "" {
		c.Config.DatabasePath = filepath.Join(c.Config.DataDir, "licensrv.db")
	}
	return nil
}

func (c *AppConfig) configDir(configPath string) string {
	if used := c.viper.ConfigFileUsed(); used != "" {
		return filepath.Dir(used)
	}
	if configPath != "" {
		if filepath.Ext(configPath) == ".toml" {
			return filepath.Dir(configPath)
		}
		return configPath
	}
	return "."
}

// writeConfig writes the annotated default config when none exists yet.
func (c *AppConfig) writeConfig(configPath string) error {
	cfgFile := configPath
	if filepath.Ext(cfgFile) != ".toml" {
		cfgFile = filepath.Join(configPath, "config.toml")
	}

	if _, err := os.Stat(cfgFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}

	host := "127.0.0.1"
	if _, err := os.Stat("/.dockerenv"); err == nil {
		host = "0.0.0.0"
	}

	f, err := os.Create(cfgFile)
	if err != nil {
		return errors.Wrap(err, "create config file")
	}
	defer f.Close()

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "parse config template")
	}
	return tmpl.Execute(f, map[string]string{"host": host})
}

// loadFromEnv applies LICENSRV__ variables on top of file values. Env
// always wins.
func (c *AppConfig) loadFromEnv() error {
	for _, v := range []struct {
		key   string
		apply func(string) error
	}{
		{"HOST", stringVar(&c.Config.Host)},
		{"PORT", intVar(&c.Config.Port)},
		{"BASE_URL", stringVar(&c.Config.BaseURL)},
		{"LOG_LEVEL", stringVar(&c.Config.LogLevel)},
		{"LOG_PATH", stringVar(&c.Config.LogPath)},
		{"DATA_DIR", stringVar(&c.Config.DataDir)},
		{"DATABASE_PATH", stringVar(&c.Config.DatabasePath)},
		{"ENCRYPTION_KEY", stringVar(&c.Config.EncryptionKey)},
		{"METRICS_ENABLED", boolVar(&c.Config.MetricsEnabled)},
		{"METRICS_HOST", stringVar(&c.Config.MetricsHost)},
		{"METRICS_PORT", intVar(&c.Config.MetricsPort)},
		{"DEFAULT_KEY_SIZE", intVar(&c.Config.DefaultKeySize)},
		{"KEY_ROTATION_GRACE_HOURS", intVar(&c.Config.KeyRotationGraceHours)},
		{"ACTIVATION_VALIDITY_DAYS", intVar(&c.Config.ActivationValidityDays)},
		{"RENEWAL_WARNING_DAYS", intVar(&c.Config.RenewalWarningDays)},
		{"STALE_ACTIVATION_CUTOFF_HOURS", intVar(&c.Config.StaleActivationCutoffHours)},
		{"ALLOW_DEVICE_REACTIVATION", boolVar(&c.Config.AllowDeviceReactivation)},
	} {
		raw, ok := os.LookupEnv(envPrefix + v.key)
		if !ok || raw == "" {
			continue
		}
		if err := v.apply(raw); err != nil {
			return errors.Wrapf(err, "invalid value for %s%s", envPrefix, v.key)
		}
	}
	return nil
}

func stringVar(dst *string) func(string) error {
	return func(raw string) error {
		*dst = raw
		return nil
	}
}

func intVar(dst *int) func(string) error {
	return func(raw string) error {
		var value int
		if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
			return err
		}
		*dst = value
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(raw string) error {
		switch strings.ToLower(raw) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		default:
			return fmt.Errorf("not a boolean: %q", raw)
		}
		return nil
	}
}

// ensureEncryptionKey generates and persists the at-rest encryption key
// on first run.
func (c *AppConfig) ensureEncryptionKey(configPath string) error {
	if c.Config.EncryptionKey != "" {
		if _, err := hex.DecodeString(c.Config.EncryptionKey); err != nil {
			return errors.Wrap(err, "encryptionKey must be hex")
		}
		return nil
	}

	key, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return errors.Wrap(err, "generate encryption key")
	}
	c.Config.EncryptionKey = key
	c.viper.Set("encryptionKey", key)

	// Only persist when a config file is in play; env-only setups keep
	// the key ephemeral and must set LICENSRV__ENCRYPTION_KEY themselves.
	if used := c.viper.ConfigFileUsed(); used != "" {
		if err := c.viper.WriteConfig(); err != nil {
			log.Warn().Err(err).Msg("Could not persist generated encryption key, set encryptionKey manually")
		}
	}
	return nil
}

// EncryptionKeyBytes decodes the configured at-rest key.
func (c *AppConfig) EncryptionKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.Config.EncryptionKey)
}

// DynamicReload watches the config file and applies log level changes
// without a restart.
func (c *AppConfig) DynamicReload(log logger.Logger) {
	c.viper.OnConfigChange(func(_ fsnotify.Event) {
		logLevel := c.viper.GetString("logLevel")
		c.Config.LogLevel = logLevel
		log.SetLogLevel(c.Config.LogLevel)

		log.Debug().Msg("config file reloaded!")
	})
	c.viper.WatchConfig()
}
