package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sharefolder/internal/fsutil"
)

// Config is JSON and YAML friendly. If Users is empty, sharefolder runs
// without login.
type Config struct {
	// Root is the directory being shared.
	Root string `json:"root" yaml:"root"`

	// StateDir holds thumbnails and temporary upload files.
	// Default: <root>/.sharefolder. It is never listed.
	StateDir string `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`

	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Key and Cert are PEM file paths. Both set means HTTPS.
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
	Cert string `json:"cert,omitempty" yaml:"cert,omitempty"`

	// AutoRedirectHTTPPort, with TLS on, answers plain HTTP on this port
	// with a redirect to the HTTPS listener.
	AutoRedirectHTTPPort int `json:"autoRedirectHttpPort,omitempty" yaml:"autoRedirectHttpPort,omitempty"`

	// Users enables multi-user mode. Each user is scoped to Root/User.Root.
	Users []User `json:"users,omitempty" yaml:"users,omitempty"`

	// Forbidden lists paths (absolute or relative to Root) that are never
	// listed, traversed or modified.
	Forbidden []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`

	// SessionTimeout is in seconds, SessionMinUpdatePause in milliseconds.
	SessionTimeout        int `json:"sessionTimeout,omitempty" yaml:"sessionTimeout,omitempty"`
	SessionMinUpdatePause int `json:"sessionMinUpdatePause,omitempty" yaml:"sessionMinUpdatePause,omitempty"`

	ClusterMode    bool `json:"clusterMode,omitempty" yaml:"clusterMode,omitempty"`
	Workers        int  `json:"workers,omitempty" yaml:"workers,omitempty"`
	RestartWorkers bool `json:"restartWorkers,omitempty" yaml:"restartWorkers,omitempty"`

	// NATSURL switches session replication from pipes to a NATS bus.
	NATSURL     string `json:"natsUrl,omitempty" yaml:"natsUrl,omitempty"`
	NATSSubject string `json:"natsSubject,omitempty" yaml:"natsSubject,omitempty"`

	// UploadEnable turns on every mutation. Without it the server is read-only.
	UploadEnable bool `json:"uploadEnable,omitempty" yaml:"uploadEnable,omitempty"`

	// DirectoryMode forces the listing (true) or static site (false) mode.
	// Unset means: static site if Root/index.html exists.
	DirectoryMode      *bool  `json:"directoryMode,omitempty" yaml:"directoryMode,omitempty"`
	DirectoryModeTitle string `json:"directoryModeTitle,omitempty" yaml:"directoryModeTitle,omitempty"`

	DisableCompression bool `json:"disableCompression,omitempty" yaml:"disableCompression,omitempty"`

	// WebDAV serves the user root under /dav/.
	WebDAV bool `json:"webdav,omitempty" yaml:"webdav,omitempty"`

	// Metrics exposes Prometheus metrics under /_sharefolder/metrics.
	Metrics bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
}

// User is one login. Exactly one of SHA256 (hex digest of the password) and
// Bcrypt must be set.
type User struct {
	Name   string `json:"name" yaml:"name"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Bcrypt string `json:"bcrypt,omitempty" yaml:"bcrypt,omitempty"`
	// Root is relative to Config.Root; empty means the whole root.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
}

// ParseUser reads the compact "username@sha256hex/rootSubpath" form.
func ParseUser(spec string) (User, error) {
	spec = strings.TrimSpace(spec)
	at := strings.IndexByte(spec, '@')
	if at <= 0 {
		return User{}, fmt.Errorf("user %q: expected username@sha256hex/root", spec)
	}
	u := User{Name: spec[:at]}
	rest := spec[at+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		u.SHA256, u.Root = rest[:i], rest[i:]
	} else {
		u.SHA256 = rest
	}
	u.SHA256 = strings.ToLower(u.SHA256)
	return u, nil
}

// UnmarshalJSON accepts either the compact string form or an object.
func (u *User) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseUser(s)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	type plain User
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*u = User(p)
	return nil
}

// UnmarshalYAML accepts either the compact string form or a mapping.
func (u *User) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		parsed, err := ParseUser(n.Value)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	type plain User
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*u = User(p)
	return nil
}

// Default returns a config with every default applied except Root.
func Default() Config {
	return Config{
		Port:                  8080,
		SessionTimeout:        1800,
		SessionMinUpdatePause: 5000,
		Workers:               runtime.NumCPU(),
		NATSSubject:           "sharefolder.sessions",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads the optional config file (JSON, or YAML by extension) over
// the defaults, then applies SERVER_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(b, &cfg)
		default:
			err = json.Unmarshal(b, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Root = envOr("SERVER_ROOT", c.Root)
	c.Port = envInt("SERVER_PORT", c.Port)
	c.Key = envOr("SERVER_KEY", c.Key)
	c.Cert = envOr("SERVER_CERT", c.Cert)
	c.AutoRedirectHTTPPort = envInt("SERVER_AUTO_REDIRECT_HTTP_PORT", c.AutoRedirectHTTPPort)
	c.SessionTimeout = envInt("SERVER_SESSION_TIMEOUT", c.SessionTimeout)
	c.ClusterMode = envBool("SERVER_USE_CLUSTER_MODE", c.ClusterMode)
	c.Workers = envInt("SERVER_WORKERS", c.Workers)
	c.RestartWorkers = envBool("SERVER_SHOULD_RESTART_WORKER", c.RestartWorkers)
	c.NATSURL = envOr("SERVER_NATS_URL", c.NATSURL)
	c.UploadEnable = envBool("SERVER_UPLOAD_ENABLE", c.UploadEnable)
	c.DirectoryModeTitle = envOr("SERVER_DIRECTORY_MODE_TITLE", c.DirectoryModeTitle)
	c.DisableCompression = envBool("SERVER_DISABLE_COMPRESSION", c.DisableCompression)
	c.Metrics = envBool("SERVER_METRICS", c.Metrics)
	c.LogLevel = envOr("SERVER_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("SERVER_LOG_FORMAT", c.LogFormat)

	if v := os.Getenv("SERVER_DIRECTORY_MODE"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("SERVER_DIRECTORY_MODE: %w", err)
		}
		c.DirectoryMode = &b
	}
	if v := os.Getenv("SERVER_FORBIDDEN"); v != "" {
		c.Forbidden = splitList(v)
	}
	if v := os.Getenv("SERVER_USERS"); v != "" {
		users := make([]User, 0)
		for _, spec := range splitList(v) {
			u, err := ParseUser(spec)
			if err != nil {
				return fmt.Errorf("SERVER_USERS: %w", err)
			}
			users = append(users, u)
		}
		c.Users = users
	}
	return nil
}

// Finalize makes Root and StateDir absolute, fills StateDir, and validates.
func (c *Config) Finalize() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Root = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".sharefolder")
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("abs state dir: %w", err)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c.Validate()
}

// Validate checks the invariants the server relies on.
func (c Config) Validate() error {
	st, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", c.Root)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if (c.Key == "") != (c.Cert == "") {
		return errors.New("config: key and cert must be set together")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: invalid session timeout %d", c.SessionTimeout)
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return errors.New("config: user without name")
		}
		if seen[u.Name] {
			return fmt.Errorf("config: duplicate user %q", u.Name)
		}
		seen[u.Name] = true
		switch {
		case u.SHA256 != "" && u.Bcrypt != "":
			return fmt.Errorf("config: user %q: set sha256 or bcrypt, not both", u.Name)
		case u.SHA256 != "":
			if b, err := hex.DecodeString(u.SHA256); err != nil || len(b) != 32 {
				return fmt.Errorf("config: user %q: malformed sha256 hash", u.Name)
			}
		case strings.HasPrefix(u.Bcrypt, "$2"):
		default:
			return fmt.Errorf("config: user %q: missing password hash", u.Name)
		}
		if !fsutil.IsSafeRelativePath(u.Root) {
			return fmt.Errorf("config: user %q: root escapes the shared root", u.Name)
		}
	}
	return nil
}

// MultiUser reports whether login is required.
func (c Config) MultiUser() bool { return len(c.Users) > 0 }

// TLS reports whether both key and cert are configured.
func (c Config) TLS() bool { return c.Key != "" && c.Cert != "" }

func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

func (c Config) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

func (c Config) SessionMinUpdatePauseDuration() time.Duration {
	return time.Duration(c.SessionMinUpdatePause) * time.Millisecond
}

// ForbiddenPaths returns the absolute forbidden set, state dir included.
func (c Config) ForbiddenPaths() []string {
	out := []string{c.StateDir}
	for _, p := range c.Forbidden {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Root, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := parseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// parseBool also takes the numeric flags ("1", "0") the variables have
// always used.
func parseBool(v string) (bool, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n > 0, nil
	}
	return strconv.ParseBool(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
