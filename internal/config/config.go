// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail dispatcher.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Provider names accepted in the provider setting.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

const (
	defaultPort           = 465
	defaultTimeout        = 10 * time.Second
	defaultMaxSendRetries = 3
)

// Config holds the complete application configuration.
type Config struct {
	Provider       string                `yaml:"provider"`
	Server         ServerConfig          `yaml:"server"`
	Message        email.MessageTemplate `yaml:"message"`
	To             []email.Identity      `yaml:"to"`
	MaxSendRetries int                   `yaml:"max_send_retries"`
	SES            SESConfig             `yaml:"ses"`
	Logging        LoggingConfig         `yaml:"logging"`
	Metrics        MetricsConfig         `yaml:"metrics"`
}

// ServerConfig holds the SMTP server connection settings.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Account  string `yaml:"account"`
	Password Secret `yaml:"password"`

	// PasswordKeyring names the OS keyring service holding the password for
	// Account. It is consulted only when Password is empty.
	PasswordKeyring string `yaml:"password_keyring"`

	Timeout time.Duration `yaml:"timeout"`
	TLS     TLSConfig     `yaml:"tls"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Textfile is where metrics are written after a batch. Empty disables
	// the export.
	Textfile string `yaml:"textfile"`
}

// Secret is a string that never prints its value.
type Secret string

const redacted = "[REDACTED]"

// Value returns the secret in clear text.
func (s Secret) Value() string {
	return string(s)
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// ResolvePassword fills in the server password from the OS keyring when it
// is not set directly and a keyring service is configured.
func (c *Config) ResolvePassword() error {
	if c.Server.Password != "" || c.Server.PasswordKeyring == "" {
		return nil
	}

	secret, err := keyring.Get(c.Server.PasswordKeyring, c.Server.Account)
	if err != nil {
		return fmt.Errorf("failed to read password for %q from keyring %q: %w",
			c.Server.Account, c.Server.PasswordKeyring, err)
	}
	c.Server.Password = Secret(secret)
	return nil
}

// Validate reports every setting that would keep a batch from running.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderSMTP:
		if c.Server.Host == "" {
			errs = append(errs, errors.New("server.host is required"))
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
		}
		if c.Server.Account == "" {
			errs = append(errs, errors.New("server.account is required"))
		}
		if c.Server.Password == "" {
			errs = append(errs, errors.New("server.password is required (directly or via server.password_keyring)"))
		}
		if c.Server.Timeout <= 0 {
			errs = append(errs, errors.New("server.timeout must be positive"))
		}
	case ProviderSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("ses.region is required"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.Message.Sender == "" {
		errs = append(errs, errors.New("message.sender is required"))
	} else if _, err := mail.ParseAddress(c.Message.Sender); err != nil {
		errs = append(errs, fmt.Errorf("message.sender: %w", err))
	}

	if len(c.To) == 0 {
		errs = append(errs, errors.New("at least one recipient is required in to"))
	}
	for i, r := range c.To {
		if r.Email == "" {
			errs = append(errs, fmt.Errorf("to[%d]: email is required", i))
			continue
		}
		if _, err := mail.ParseAddress(r.Email); err != nil {
			errs = append(errs, fmt.Errorf("to[%d]: %w", i, err))
		}
	}

	if c.MaxSendRetries < 0 {
		errs = append(errs, fmt.Errorf("max_send_retries must not be negative, got %d", c.MaxSendRetries))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.Server.Host = "localhost"
	c.Server.Port = defaultPort
	c.Server.Timeout = defaultTimeout
	c.MaxSendRetries = defaultMaxSendRetries
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SMTP_ACCOUNT"); v != "" {
		c.Server.Account = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Server.Password = Secret(v)
	}
	if v := os.Getenv("SMTP_PASSWORD_KEYRING"); v != "" {
		c.Server.PasswordKeyring = v
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_TLS_CA_FILE"); v != "" {
		c.Server.TLS.CAFile = v
	}
	if v := os.Getenv("SMTP_TLS_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.TLS.InsecureSkipVerify = b
		}
	}

	if v := os.Getenv("MESSAGE_SENDER"); v != "" {
		c.Message.Sender = v
	}
	if v := os.Getenv("MESSAGE_SUBJECT"); v != "" {
		c.Message.Subject = v
	}
	if v := os.Getenv("MESSAGE_BODY"); v != "" {
		c.Message.Body = v
	}
	if v := os.Getenv("MAIL_TO"); v != "" {
		if to, err := parseRecipients(v); err == nil {
			c.To = to
		} else {
			slog.Warn("ignoring invalid MAIL_TO", "error", err)
		}
	}
	if v := os.Getenv("MAX_SEND_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSendRetries = n
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = Secret(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_TEXTFILE"); v != "" {
		c.Metrics.Textfile = v
	}
}

// parseRecipients parses an RFC 5322 address list such as
// `Joe <joe@mail.com>, suzy@mail.com`.
func parseRecipients(v string) ([]email.Identity, error) {
	addrs, err := mail.ParseAddressList(v)
	if err != nil {
		return nil, err
	}
	out := make([]email.Identity, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, email.Identity{Name: a.Name, Email: a.Address})
	}
	return out, nil
}
