package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tracyhatemice/attachhound/internal/export"
)

// Mailbox backend types.
const (
	TypeIMAP     = "imap"
	TypeExchange = "exchange"
	TypePOP3     = "pop3"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel          string         `mapstructure:"log_level" yaml:"log_level"`
	Mailbox           Mailbox        `mapstructure:"mailbox" yaml:"mailbox"`
	PollInterval      time.Duration  `mapstructure:"-" yaml:"poll_interval"`
	Ledger            Ledger         `mapstructure:"ledger" yaml:"ledger"`
	Attachments       Attachments    `mapstructure:"attachments" yaml:"attachments"`
	DeleteAfterExport bool           `mapstructure:"delete_after_export" yaml:"delete_after_export"`
	Filters           map[string]any `mapstructure:"filters" yaml:"filters,omitempty"`
}

// Mailbox describes the monitored account.
type Mailbox struct {
	Type         string `mapstructure:"type" yaml:"type"` // "imap", "exchange" or "pop3"
	Server       string `mapstructure:"server" yaml:"server"`
	Port         int    `mapstructure:"port" yaml:"port,omitempty"`
	TLS          bool   `mapstructure:"tls" yaml:"tls"`
	Address      string `mapstructure:"address" yaml:"address"`
	Password     string `mapstructure:"password" yaml:"password,omitempty"`
	UseKeyring   bool   `mapstructure:"use_keyring" yaml:"use_keyring"`
	Folder       string `mapstructure:"folder" yaml:"folder"`
	PublicFolder bool   `mapstructure:"public_folder" yaml:"public_folder"`
	MarkRead     bool   `mapstructure:"mark_read" yaml:"mark_read"`
}

type Ledger struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type Attachments struct {
	Dir                       string `mapstructure:"dir" yaml:"dir"`
	Naming                    string `mapstructure:"naming" yaml:"naming"`
	ExportZeroAttachmentMails bool   `mapstructure:"export_zero_attachment_mails" yaml:"export_zero_attachment_mails"`
}

// EnvPrefix prefixes every environment override, e.g. ATTACHHOUND_MAILBOX_TYPE.
const EnvPrefix = "ATTACHHOUND"

// legacyEnv maps configuration keys to the environment names accepted
// before the ATTACHHOUND_ prefix existed. Earlier names win. The server
// name depends on the backend type and is resolved in legacyServer.
var legacyEnv = map[string][]string{
	"mailbox.address":  {"EMAIL_ADDRESS"},
	"mailbox.password": {"EMAIL_PASSWORD"},
	"mailbox.type":     {"MAILBOX_TYPE"},
	"mailbox.server":   nil,
	"mailbox.port":     {"IMAP_PORT"},
	"poll_interval":    {"CHECK_INTERVAL"},
}

// legacyServerEnv names the unprefixed server variable of each backend.
var legacyServerEnv = map[string]string{
	TypeIMAP:     "IMAP_SERVER",
	TypeExchange: "EXCHANGE_SERVER",
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"mailbox-type":    "mailbox.type",
	"server":          "mailbox.server",
	"port":            "mailbox.port",
	"address":         "mailbox.address",
	"folder":          "mailbox.folder",
	"public-folder":   "mailbox.public_folder",
	"use-keyring":     "mailbox.use_keyring",
	"poll-interval":   "poll_interval",
	"ledger":          "ledger.path",
	"attachments-dir": "attachments.dir",
	"naming":          "attachments.naming",
	"delete":          "delete_after_export",
}

// RegisterFlags defines the command line overrides understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("mailbox-type", "", "mailbox backend (imap, exchange, pop3)")
	fs.String("server", "", "mailbox server host or EWS URL")
	fs.Int("port", 0, "mailbox server port")
	fs.String("address", "", "mailbox login address")
	fs.String("folder", "", "folder to poll")
	fs.Bool("public-folder", false, "resolve the folder below the Exchange public folders root")
	fs.Bool("use-keyring", false, "read the mailbox password from the OS keyring")
	fs.String("poll-interval", "", "time between cycles, e.g. 60s or 5m")
	fs.String("ledger", "", "path of the processed mail database")
	fs.String("attachments-dir", "", "directory attachments are written to")
	fs.String("naming", "", "attachment naming policy ("+strings.Join(export.Namings(), ", ")+")")
	fs.Bool("delete", false, "delete messages after export")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("mailbox.type", TypeIMAP)
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.use_keyring", false)
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("mailbox.public_folder", false)
	v.SetDefault("mailbox.mark_read", true)
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("ledger.path", ".attachhound/processed_emails.db")
	v.SetDefault("attachments.dir", ".attachhound/attachments")
	v.SetDefault("attachments.naming", "simple")
	v.SetDefault("attachments.export_zero_attachment_mails", true)
	v.SetDefault("delete_after_export", false)
}

// Load resolves the configuration from defaults, the YAML file at path,
// the environment and flags, in increasing precedence. An empty path looks
// for attachhound.yaml in the working directory and tolerates its absence.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := resolve(path, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadLedger resolves the same layers as Load but only requires what the
// ledger commands use, so an account need not be configured.
func LoadLedger(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := resolve(path, flags)
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.Path == "" {
		return nil, errors.New("validate config: ledger.path is required")
	}
	return cfg, nil
}

func resolve(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("attachhound")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	interval, err := parseInterval(v.GetString("poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("parse config: poll_interval: %w", err)
	}
	cfg.PollInterval = interval
	cfg.Mailbox.Type = strings.ToLower(cfg.Mailbox.Type)
	if server, ok := legacyServer(cfg.Mailbox.Type, flags); ok {
		cfg.Mailbox.Server = server
	}
	cfg.applyBackendDefaults()
	return cfg, nil
}

// legacyServer returns the unprefixed server variable for the backend type.
// It sits above the file and below the prefixed variable and the flag.
func legacyServer(typ string, flags *pflag.FlagSet) (string, bool) {
	name, ok := legacyServerEnv[typ]
	if !ok {
		return "", false
	}
	if flags != nil {
		if f := flags.Lookup("server"); f != nil && f.Changed {
			return "", false
		}
	}
	if _, set := os.LookupEnv(EnvPrefix + "_MAILBOX_SERVER"); set {
		return "", false
	}
	server, set := os.LookupEnv(name)
	return server, set && server != ""
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about, which excludes
	// the keys without defaults. Those are all bound here.
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func (c *Config) applyBackendDefaults() {
	switch c.Mailbox.Type {
	case TypeIMAP:
		if c.Mailbox.Server == "" {
			c.Mailbox.Server = "imap.gmail.com"
		}
		if c.Mailbox.Port == 0 {
			c.Mailbox.Port = 993
		}
	case TypePOP3:
		if c.Mailbox.Port == 0 {
			c.Mailbox.Port = 995
		}
	}
}

func (c *Config) validate() error {
	switch c.Mailbox.Type {
	case TypeIMAP, TypeExchange, TypePOP3:
	default:
		return fmt.Errorf("mailbox.type must be imap, exchange or pop3, got %q", c.Mailbox.Type)
	}
	if c.Mailbox.Server == "" {
		return fmt.Errorf("mailbox.server is required for %s", c.Mailbox.Type)
	}
	if c.Mailbox.Type != TypeExchange && (c.Mailbox.Port <= 0 || c.Mailbox.Port > 65535) {
		return fmt.Errorf("mailbox.port %d is out of range", c.Mailbox.Port)
	}
	if c.Mailbox.Address == "" {
		return fmt.Errorf("mailbox.address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.Attachments.Dir == "" {
		return fmt.Errorf("attachments.dir is required")
	}
	if !slices.Contains(export.Namings(), c.Attachments.Naming) {
		return fmt.Errorf("attachments.naming must be one of %s, got %q",
			strings.Join(export.Namings(), ", "), c.Attachments.Naming)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Mailbox.Password != "" {
		out.Mailbox.Password = "********"
	}
	return out
}
