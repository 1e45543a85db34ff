// Package config loads the stackkit project configuration: the route list
// handed to the packaging pipeline plus dev server and registry settings.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ConfigName = "stackkit"
	EnvPrefix  = "STACKKIT"

	AuthAPIKey = "apiKey"
	MethodAny  = "ANY"
)

var ErrNoRoutes = errors.New("no routes configured")

type Config struct {
	// Root is the absolute project directory. Not read from the file.
	Root string `mapstructure:"-"`
	// File is the config file that was read.
	File string `mapstructure:"-"`

	Name        string            `mapstructure:"name"`
	Stage       string            `mapstructure:"stage"`
	OutDir      string            `mapstructure:"out_dir"`
	Environment map[string]string `mapstructure:"environment"`
	Routes      []Route           `mapstructure:"routes"`
	Dev         Dev               `mapstructure:"dev"`
	Registry    Registry          `mapstructure:"registry"`
}

type Route struct {
	Path        string            `mapstructure:"path"`
	Method      string            `mapstructure:"method"`
	Handler     string            `mapstructure:"handler"`
	Environment map[string]string `mapstructure:"environment"`
	Auth        *Auth             `mapstructure:"auth"`
	Memory      int               `mapstructure:"memory"`
	Timeout     int               `mapstructure:"timeout"`
}

type Auth struct {
	Type     string `mapstructure:"type"`
	Required bool   `mapstructure:"required"`
}

// RequiresAPIKey reports whether requests must carry an x-api-key header.
func (r Route) RequiresAPIKey() bool {
	return r.Auth != nil && r.Auth.Required && r.Auth.Type == AuthAPIKey
}

// Name is the handler file name without its extension.
func (r Route) Name() string {
	base := filepath.Base(r.Handler)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type Dev struct {
	Root           string        `mapstructure:"root"`
	HTTPPort       int           `mapstructure:"http_port"`
	IPCPort        int           `mapstructure:"ipc_port"`
	PortRange      int           `mapstructure:"port_range"`
	Debounce       time.Duration `mapstructure:"debounce"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	Watch          []string      `mapstructure:"watch"`
	Ignore         []string      `mapstructure:"ignore"`
	Node           string        `mapstructure:"node"`
}

type Registry struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Disabled bool          `mapstructure:"disabled"`
}

type LoadOptions struct {
	// File is an explicit config file. Default: stackkit.{yaml,yml,json,toml} in root.
	File string
	// Overrides are applied after the file and environment, e.g. from CLI flags.
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stage", "dev")
	v.SetDefault("out_dir", ".stackkit")
	v.SetDefault("dev.root", ".stackkit_dev")
	v.SetDefault("dev.http_port", 3000)
	v.SetDefault("dev.ipc_port", 3001)
	v.SetDefault("dev.port_range", 20)
	v.SetDefault("dev.debounce", "500ms")
	v.SetDefault("dev.handler_timeout", "30s")
	v.SetDefault("dev.max_connections", 256)
	v.SetDefault("dev.watch", []string{"**/*.{ts,tsx,mts,cts,js,jsx,mjs,cjs,json}", ".env*"})
	v.SetDefault("dev.ignore", []string{})
	v.SetDefault("dev.node", "node")
	v.SetDefault("registry.url", "https://registry.npmjs.org")
	v.SetDefault("registry.timeout", "5s")
	v.SetDefault("registry.disabled", false)
}

// Load reads the config for the project at root, applies STACKKIT_*
// environment overrides and validates the route list.
func Load(root string, opts LoadOptions) (*Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("config: resolve root: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(absRoot)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: no %s config file in %s", ConfigName, absRoot)
		}
		return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Root = absRoot
	cfg.File, _ = filepath.Abs(v.ConfigFileUsed())
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// viper folds map keys to lower case; environment variable names are
// restored to the conventional upper case.
func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func (c *Config) normalize() {
	c.Environment = upperKeys(c.Environment)
	for i := range c.Routes {
		r := &c.Routes[i]
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		if !strings.HasPrefix(r.Path, "/") {
			r.Path = "/" + r.Path
		}
		r.Environment = upperKeys(r.Environment)
		if r.Handler != "" && !filepath.IsAbs(r.Handler) {
			r.Handler = filepath.Join(c.Root, filepath.FromSlash(r.Handler))
		}
	}
}

var validMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions, MethodAny,
}

// Validate checks that every route is complete and its handler exists.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return ErrNoRoutes
	}
	var errs []error
	seen := make(map[string]bool)
	for i, r := range c.Routes {
		id := fmt.Sprintf("routes[%d] %s %s", i, r.Method, r.Path)
		if r.Handler == "" {
			errs = append(errs, fmt.Errorf("%s: handler is required", id))
		} else if info, err := os.Stat(r.Handler); err != nil || info.IsDir() {
			errs = append(errs, fmt.Errorf("%s: handler %s not found", id, r.Handler))
		}
		if !slices.Contains(validMethods, r.Method) {
			errs = append(errs, fmt.Errorf("%s: unsupported method", id))
		}
		if r.Auth != nil && r.Auth.Type != "" && r.Auth.Type != AuthAPIKey {
			errs = append(errs, fmt.Errorf("%s: unsupported auth type %q", id, r.Auth.Type))
		}
		key := r.Method + " " + r.Path
		if seen[key] {
			errs = append(errs, fmt.Errorf("%s: duplicate route", id))
		}
		seen[key] = true
	}
	if c.Dev.HTTPPort == c.Dev.IPCPort {
		errs = append(errs, fmt.Errorf("dev.http_port and dev.ipc_port must differ"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// OutPath returns the static output directory.
func (c *Config) OutPath() string { return c.abs(c.OutDir) }

// DevPath returns the dev bundle root.
func (c *Config) DevPath() string { return c.abs(c.Dev.Root) }

func (c *Config) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
