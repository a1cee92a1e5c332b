// Package config loads the client's settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"prism-live/domain"
)

const (
	ViewTasks    = "tasks"
	ViewComments = "comments"
	ViewProjects = "projects"
	ViewMembers  = "members"
)

// View names one list to mount at startup.
type View struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	Project string            `yaml:"project"`
	Task    string            `yaml:"task"`
	Filter  domain.TaskFilter `yaml:"filter"`
}

type Config struct {
	APIURL    string `yaml:"apiUrl"`
	SocketURL string `yaml:"socketUrl"`
	Token     string `yaml:"token"`

	PageSize         int           `yaml:"pageSize"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	ReadRetries      int           `yaml:"readRetries"`
	OriginWindow     time.Duration `yaml:"originWindow"`
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout"`

	// RedisConnectionString, when set, shares origin marks through Redis.
	RedisConnectionString string `yaml:"redisConnectionString"`
	RedisPrefix           string `yaml:"redisPrefix"`

	ListenAddr string `yaml:"listenAddr"`
	Debug      bool   `yaml:"debug"`
	LogFormat  string `yaml:"logFormat"`

	Auth0Domain           string `yaml:"auth0Domain"`
	Auth0Audience         string `yaml:"auth0Audience"`
	LocalAuthSharedSecret string `yaml:"localAuthSharedSecret"`

	Views []View `yaml:"views"`
}

func Default() Config {
	return Config{
		APIURL:           "http://localhost:8080",
		PageSize:         30,
		RequestTimeout:   15 * time.Second,
		ReadRetries:      1,
		OriginWindow:     5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		RedisPrefix:      "prism-live",
		ListenAddr:       ":9090",
		LogFormat:        "text",
	}
}

// Load reads path, if non-empty, over the defaults and then applies the
// environment as seen through getenv. A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path == "" {
		path = getenv("PRISM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PRISM_API_URL", &cfg.APIURL)
	setString("PRISM_SOCKET_URL", &cfg.SocketURL)
	setString("PRISM_TOKEN", &cfg.Token)
	setString("REDIS_CONNECTION_STRING", &cfg.RedisConnectionString)
	setString("REDIS_PREFIX", &cfg.RedisPrefix)
	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("LOG_FORMAT", &cfg.LogFormat)
	setString("AUTH0_DOMAIN", &cfg.Auth0Domain)
	setString("AUTH0_AUDIENCE", &cfg.Auth0Audience)
	setString("LOCAL_AUTH_SHARED_SECRET", &cfg.LocalAuthSharedSecret)

	if v := getenv("TASKS_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TASKS_PAGE_SIZE: %w", err)
		}
		cfg.PageSize = n
	}
	if v := getenv("READ_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid READ_RETRIES: %w", err)
		}
		cfg.ReadRetries = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"ORIGIN_WINDOW", &cfg.OriginWindow},
		{"RECONNECT_TIMEOUT", &cfg.ReconnectTimeout},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v := getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = dbg
	}
	return nil
}

func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("missing api url")
	}
	if c.PageSize <= 0 {
		return errors.New("invalid TASKS_PAGE_SIZE: must be greater than zero")
	}
	if c.ReadRetries < 0 {
		return errors.New("invalid READ_RETRIES: must not be negative")
	}
	if c.RequestTimeout <= 0 || c.OriginWindow <= 0 || c.ReconnectTimeout <= 0 {
		return errors.New("timeouts and windows must be positive")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	seen := map[string]bool{}
	for i, v := range c.Views {
		if v.Name == "" {
			return fmt.Errorf("views[%d]: missing name", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("views[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case ViewTasks, ViewMembers:
			if v.Project == "" {
				return fmt.Errorf("view %s: %s needs a project", v.Name, v.Kind)
			}
		case ViewComments:
			if v.Task == "" {
				return fmt.Errorf("view %s: comments need a task", v.Name)
			}
		case ViewProjects:
		default:
			return fmt.Errorf("view %s: unknown kind %q", v.Name, v.Kind)
		}
		if !domain.ValidPriority(v.Filter.Priority) || (v.Filter.Status != "" && !domain.ValidStatus(v.Filter.Status)) {
			return fmt.Errorf("view %s: invalid filter", v.Name)
		}
	}
	return nil
}

// SocketEndpoint returns the push URL, derived from the API URL when not
// set explicitly.
func (c Config) SocketEndpoint() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	base := strings.TrimRight(c.APIURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// RedisOptions parses a redis URL or an "addr,password=...,ssl=true"
// connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
