// Package config loads and validates the tradecore runtime configuration
// from defaults, a YAML file and environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradecore/errs"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("parse duration "+raw), errs.WithCause(err))
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BrokerSettings configure the event bus transport.
type BrokerSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BindDelay is the first-connect subscription grace period.
	BindDelay Duration `yaml:"bindDelay"`
	// HealthInterval is the connection liveness probe period.
	HealthInterval Duration `yaml:"healthInterval"`
}

// AccountSettings configure one trading session and its venue driver.
type AccountSettings struct {
	Platform   string `yaml:"platform"`
	Account    string `yaml:"account"`
	Strategy   string `yaml:"strategy"`
	Symbol     string `yaml:"symbol"`
	APIKey     string `yaml:"apiKey"`
	SecretKey  string `yaml:"secretKey"`
	Passphrase string `yaml:"passphrase"`
	RestBase   string `yaml:"restBase"`
	WssURL     string `yaml:"wssUrl"`
	// Futures enables the exposure poller for derivative instruments.
	Futures              bool     `yaml:"futures"`
	AssetPollInterval    Duration `yaml:"assetPollInterval"`
	PositionPollInterval Duration `yaml:"positionPollInterval"`
	HTTPTimeout          Duration `yaml:"httpTimeout"`
}

// Settings is the full configuration tree.
type Settings struct {
	ServerID          string            `yaml:"serverId"`
	Environment       Environment       `yaml:"environment"`
	Broker            BrokerSettings    `yaml:"broker"`
	HeartbeatInterval Duration          `yaml:"heartbeatInterval"`
	Accounts          []AccountSettings `yaml:"accounts"`
}

// Default returns the baseline configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Broker: BrokerSettings{
			Host:           "127.0.0.1",
			Port:           5672,
			Username:       "guest",
			Password:       "guest",
			BindDelay:      Duration(5 * time.Second),
			HealthInterval: Duration(5 * time.Second),
		},
		HeartbeatInterval: Duration(time.Second),
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file stage.
func Load(path string) (Settings, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errs.New("config", errs.CodeConfig,
				errs.WithMessage("read "+path), errs.WithCause(err))
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Settings{}, errs.New("config", errs.CodeConfig,
				errs.WithMessage("parse "+path), errs.WithCause(err))
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SERVER_ID")); v != "" {
		s.ServerID = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_ENV")); v != "" {
		s.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_BROKER_HOST")); v != "" {
		s.Broker.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_BROKER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Broker.Port = port
		}
	}
	if v := os.Getenv("TRADECORE_BROKER_USERNAME"); v != "" {
		s.Broker.Username = v
	}
	if v := os.Getenv("TRADECORE_BROKER_PASSWORD"); v != "" {
		s.Broker.Password = v
	}
}

// Validate checks the loaded tree for the fields every deployment needs.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ServerID) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("serverId is required"))
	}
	if strings.TrimSpace(s.Broker.Host) == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("broker.host is required"))
	}
	if s.Broker.Port <= 0 || s.Broker.Port > 65535 {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("broker.port is out of range"))
	}
	for i, acct := range s.Accounts {
		if err := acct.validate(); err != nil {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("accounts["+strconv.Itoa(i)+"]"), errs.WithCause(err))
		}
	}
	return nil
}

func (a AccountSettings) validate() error {
	switch a.Platform {
	case "binance", "okx", "fake":
	case "":
		return errs.New("config", errs.CodeConfig, errs.WithMessage("platform is required"))
	default:
		return errs.New("config", errs.CodeConfig, errs.WithMessage("unknown platform "+a.Platform))
	}
	switch {
	case strings.TrimSpace(a.Account) == "":
		return errs.New("config", errs.CodeConfig, errs.WithMessage("account is required"))
	case strings.TrimSpace(a.Strategy) == "":
		return errs.New("config", errs.CodeConfig, errs.WithMessage("strategy is required"))
	case strings.TrimSpace(a.Symbol) == "":
		return errs.New("config", errs.CodeConfig, errs.WithMessage("symbol is required"))
	}
	if a.Platform != "fake" && (a.APIKey == "" || a.SecretKey == "") {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("api key material is required"))
	}
	if a.Platform == "okx" && a.Passphrase == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("passphrase is required"))
	}
	return nil
}
