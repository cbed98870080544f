package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config contains all runtime configuration. Sources, lowest priority first: defaults,
// the optional TOML file, NEARBY_* environment variables.
type Config struct {
	HTTPAddr  string `toml:"http_addr"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	ReadHeaderTimeout time.Duration `toml:"http_read_header_timeout"`
	ReadTimeout       time.Duration `toml:"http_read_timeout"`
	WriteTimeout      time.Duration `toml:"http_write_timeout"`
	IdleTimeout       time.Duration `toml:"http_idle_timeout"`
	MaxHeaderBytes    int           `toml:"http_max_header_bytes"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`

	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`

	DisplayName     string        `toml:"display_name"`
	ServiceType     string        `toml:"service_type"`
	ServiceIdentity string        `toml:"service_identity"`
	MaxPeers        int           `toml:"max_peers"`
	InviteTimeout   time.Duration `toml:"invite_timeout"`

	// Transport is "ws" (LAN) or "mem" (in-process companion device).
	Transport      string        `toml:"transport"`
	ListenAddr     string        `toml:"listen_addr"`
	Peers          []string      `toml:"peers"`
	BrowseInterval time.Duration `toml:"browse_interval"`

	// Engine is "sim" or "none" (no ranging hardware).
	Engine         string        `toml:"engine"`
	SimUpdateEvery time.Duration `toml:"sim_update_every"`
	SimDirectional bool          `toml:"sim_directional"`

	IdentityFile string `toml:"identity_file"`

	DatabaseURL string `toml:"database_url"`
	DBSchema    string `toml:"db_schema"`
	DBMaxConns  int32  `toml:"db_max_conns"`
	DBMinConns  int32  `toml:"db_min_conns"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		name = "nearby"
	}

	return Config{
		HTTPAddr:  "127.0.0.1:8090",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   10 * time.Second,

		DisplayName:     name,
		ServiceType:     "interaction",
		ServiceIdentity: "nearby.interaction/device_ni",
		MaxPeers:        1,
		InviteTimeout:   10 * time.Second,

		Transport:      "ws",
		ListenAddr:     ":7946",
		BrowseInterval: 2 * time.Second,

		Engine:         "sim",
		SimUpdateEvery: 200 * time.Millisecond,

		IdentityFile: "~/.nearby/device_id",

		DBSchema:   "nearby",
		DBMaxConns: 4,
		DBMinConns: 0,
	}
}

// LoadConfig builds Config from defaults, the TOML file at path (optional), and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("NEARBY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("NEARBY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("NEARBY_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("NEARBY_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("NEARBY_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("NEARBY_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("NEARBY_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("NEARBY_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.ShutdownTimeout = EnvDuration("NEARBY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.CORSAllowedOrigins = EnvList("NEARBY_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	cfg.DisplayName = EnvString("NEARBY_DISPLAY_NAME", cfg.DisplayName)
	cfg.ServiceType = EnvString("NEARBY_SERVICE_TYPE", cfg.ServiceType)
	cfg.ServiceIdentity = EnvString("NEARBY_SERVICE_IDENTITY", cfg.ServiceIdentity)
	cfg.MaxPeers = EnvInt("NEARBY_MAX_PEERS", cfg.MaxPeers)
	cfg.InviteTimeout = EnvDuration("NEARBY_INVITE_TIMEOUT", cfg.InviteTimeout)

	cfg.Transport = EnvString("NEARBY_TRANSPORT", cfg.Transport)
	cfg.ListenAddr = EnvString("NEARBY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.Peers = EnvList("NEARBY_PEERS", cfg.Peers)
	cfg.BrowseInterval = EnvDuration("NEARBY_BROWSE_INTERVAL", cfg.BrowseInterval)

	cfg.Engine = EnvString("NEARBY_ENGINE", cfg.Engine)
	cfg.SimUpdateEvery = EnvDuration("NEARBY_SIM_UPDATE_EVERY", cfg.SimUpdateEvery)
	cfg.SimDirectional = EnvBool("NEARBY_SIM_DIRECTIONAL", cfg.SimDirectional)

	cfg.IdentityFile = EnvString("NEARBY_IDENTITY_FILE", cfg.IdentityFile)

	cfg.DatabaseURL = EnvString("NEARBY_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("NEARBY_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("NEARBY_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("NEARBY_DB_MIN_CONNS", cfg.DBMinConns)
}

// Service types follow the DNS-SD rules: 1-15 characters, lowercase letters, digits, and hyphens.
var serviceTypeRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,13}[a-z0-9])?$`)

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or pretty, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		errs = append(errs, errors.New("display_name is required"))
	}
	if !serviceTypeRe.MatchString(c.ServiceType) {
		errs = append(errs, fmt.Errorf("service_type %q must be 1-15 lowercase letters, digits, or hyphens", c.ServiceType))
	}
	if strings.TrimSpace(c.ServiceIdentity) == "" {
		errs = append(errs, errors.New("service_identity is required"))
	}
	if c.MaxPeers != 1 {
		errs = append(errs, fmt.Errorf("max_peers is fixed at 1, got %d", c.MaxPeers))
	}
	if c.InviteTimeout <= 0 {
		errs = append(errs, errors.New("invite_timeout must be positive"))
	}

	switch c.Transport {
	case "ws":
		if strings.TrimSpace(c.ListenAddr) == "" {
			errs = append(errs, errors.New("listen_addr is required for the ws transport"))
		}
		for _, p := range c.Peers {
			u, err := url.Parse(p)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				errs = append(errs, fmt.Errorf("peer %q must be a ws:// or wss:// URL", p))
			}
		}
	case "mem":
	default:
		errs = append(errs, fmt.Errorf("transport must be ws or mem, got %q", c.Transport))
	}

	switch c.Engine {
	case "sim", "none":
	default:
		errs = append(errs, fmt.Errorf("engine must be sim or none, got %q", c.Engine))
	}

	if c.DatabaseURL == "" && strings.TrimSpace(c.IdentityFile) == "" {
		errs = append(errs, errors.New("identity_file or database_url is required"))
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		errs = append(errs, errors.New("db_min_conns exceeds db_max_conns"))
	}

	return errors.Join(errs...)
}
