package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devblac/sport-tracker-sub010/diagnostics"
	"github.com/devblac/sport-tracker-sub010/engine"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// Store kinds for the prediction model store
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreNATS   = "nats"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FITOPT"

// Config is the complete daemon configuration. The component sections are
// inlined from engine.Config so a file reads "cache", "query", "prefetch"
// and so on at the top level.
type Config struct {
	Version string `json:"version" yaml:"version"` // semver, decides KV sync direction

	engine.Config `json:",inline" yaml:",inline"`

	NATS        NATSConfig         `json:"nats" yaml:"nats"`
	Postgres    PostgresConfig     `json:"postgres" yaml:"postgres"`
	WebSocket   WebSocketConfig    `json:"websocket" yaml:"websocket"`
	Store       StoreConfig        `json:"store" yaml:"store"`
	Diagnostics diagnostics.Config `json:"diagnostics" yaml:"diagnostics"`
}

// NATSConfig defines NATS connection settings. Without URLs NATS is not used.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	PingInterval  time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// ConnectTimeout bounds each dial; WaitTimeout bounds the whole first connect
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	WaitTimeout    time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	// CircuitThreshold consecutive connect failures open the circuit, whose
	// backoff doubles up to CircuitMaxBackoff
	CircuitThreshold  int32         `json:"circuit_threshold" yaml:"circuit_threshold"`
	CircuitMaxBackoff time.Duration `json:"circuit_max_backoff" yaml:"circuit_max_backoff"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	// SubjectPrefix roots the change-event subjects of the realtime backend
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// Realtime selects NATS as the change-event backend
	Realtime bool `json:"realtime" yaml:"realtime"`
	// ConfigBucket is the KV bucket the configuration is published to;
	// empty disables the config manager
	ConfigBucket string `json:"config_bucket,omitempty" yaml:"config_bucket,omitempty"`
}

// PostgresConfig selects the PostgreSQL executor when DSN is set
type PostgresConfig struct {
	DSN            string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	MaxConns       int32         `json:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// WebSocketConfig selects the websocket realtime client when URL is set
type WebSocketConfig struct {
	URL          string        `json:"url,omitempty" yaml:"url,omitempty"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// StoreConfig selects where the prediction models persist
type StoreConfig struct {
	Kind   string `json:"kind" yaml:"kind"` // memory, bolt or nats
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Bucket string `json:"bucket" yaml:"bucket"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Config:  engine.DefaultConfig(),
		NATS: NATSConfig{
			MaxReconnects:     -1,
			ReconnectWait:     2 * time.Second,
			PingInterval:      30 * time.Second,
			ConnectTimeout:    5 * time.Second,
			WaitTimeout:       10 * time.Second,
			DrainTimeout:      10 * time.Second,
			CircuitThreshold:  5,
			CircuitMaxBackoff: time.Minute,
			SubjectPrefix:     "fitopt.changes",
		},
		Postgres: PostgresConfig{
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Kind:   StoreMemory,
			Path:   "fitopt.db",
			Bucket: "prefetch",
		},
		Diagnostics: diagnostics.DefaultConfig(),
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks every section
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "check config")
	}

	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return invalid("version: %v", err)
		}
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if err := c.Diagnostics.Validate(); err != nil {
		return err
	}

	if c.NATS.Realtime && len(c.NATS.URLs) == 0 {
		return invalid("nats.realtime requires nats.urls")
	}
	if c.NATS.Realtime && c.WebSocket.URL != "" {
		return invalid("choose one realtime backend: nats.realtime or websocket.url")
	}
	if c.NATS.Realtime && !isValidSubject(c.NATS.SubjectPrefix) {
		return invalid("nats.subject_prefix %q is not a valid subject", c.NATS.SubjectPrefix)
	}
	if len(c.NATS.URLs) > 0 {
		if c.NATS.ReconnectWait <= 0 || c.NATS.WaitTimeout <= 0 {
			return invalid("nats.reconnect_wait and nats.wait_timeout must be positive")
		}
		if c.NATS.CircuitThreshold < 0 || (c.NATS.CircuitMaxBackoff > 0 && c.NATS.CircuitMaxBackoff < time.Second) {
			return invalid("nats circuit breaker needs threshold >= 0 and max backoff of at least 1s")
		}
	}
	if c.NATS.ConfigBucket != "" && len(c.NATS.URLs) == 0 {
		return invalid("nats.config_bucket requires nats.urls")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		return invalid("postgres.max_conns must be positive")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreBolt:
		if c.Store.Path == "" {
			return invalid("store.path is required for the bolt store")
		}
	case StoreNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("the nats store requires nats.urls")
		}
	default:
		return invalid("store.kind must be memory, bolt or nats, got %q", c.Store.Kind)
	}
	if c.Store.Kind != StoreMemory && c.Store.Bucket == "" {
		return invalid("store.bucket is required")
	}
	return nil
}

// isValidSubject checks a dotted NATS subject without wildcards
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || strings.ContainsAny(part, " *>\t") {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token, &masked.Postgres.DSN} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON or YAML by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "encode config")
	}
	return writeConfigFile(path, data)
}

// Loader loads defaults, overlays file layers in order, then applies
// environment overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file over the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("load %s: %w", path, err), "Loader", "Load", "read layer")
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("merge %s: %w", path, err), "Loader", "Load", "merge layer")
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if depth := nestingDepth(raw); depth > maxNesting {
			return nil, fmt.Errorf("%w: nesting deeper than %d", errors.ErrInvalidConfig, maxNesting)
		}
	} else {
		if err := checkJSONNesting(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	parseDurations(raw)
	return raw, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// mergeFromMap overrides only the fields present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationKeys are the json keys of every time.Duration field in Config
var durationKeys = collectDurationKeys(reflect.TypeOf(Config{}), map[string]bool{}, map[reflect.Type]bool{})

func collectDurationKeys(t reflect.Type, keys map[string]bool, seen map[reflect.Type]bool) map[string]bool {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || seen[t] {
		return keys
	}
	seen[t] = true

	durationType := reflect.TypeOf(time.Duration(0))
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Type == durationType && name != "" && name != "-" {
			keys[name] = true
			continue
		}
		collectDurationKeys(f.Type, keys, seen)
	}
	return keys
}

// parseDurations converts duration strings ("30s", "14d") under duration
// keys to nanoseconds for json unmarshaling
func parseDurations(data any) {
	switch v := data.(type) {
	case map[string]any:
		for k, val := range v {
			if s, ok := val.(string); ok && durationKeys[k] {
				if d, err := parseDurationWithDays(s); err == nil {
					v[k] = d.Nanoseconds()
				}
				continue
			}
			parseDurations(val)
		}
	case []any:
		for _, item := range v {
			parseDurations(item)
		}
	}
}

// parseDurationWithDays parses durations that may be given in days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies the FITOPT_* environment overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		name  string
		apply func(string)
	}{
		{"NATS_URLS", func(v string) { cfg.NATS.URLs = strings.Split(v, ",") }},
		{"NATS_URL", func(v string) { cfg.NATS.URLs = []string{v} }},
		{"NATS_USERNAME", func(v string) { cfg.NATS.Username = v }},
		{"NATS_PASSWORD", func(v string) { cfg.NATS.Password = v }},
		{"NATS_TOKEN", func(v string) { cfg.NATS.Token = v }},
		{"POSTGRES_DSN", func(v string) { cfg.Postgres.DSN = v }},
		{"WEBSOCKET_URL", func(v string) { cfg.WebSocket.URL = v }},
		{"STORE_KIND", func(v string) { cfg.Store.Kind = v }},
		{"STORE_PATH", func(v string) { cfg.Store.Path = v }},
		{"DIAGNOSTICS_ADDR", func(v string) { cfg.Diagnostics.Addr = v }},
		{"PRELOAD_ORIGIN", func(v string) { cfg.Preload.Origin = v }},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.name
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "check "+key)
		}
		o.apply(val)
	}
	return nil
}

// CompareVersions compares two semver version strings, returning -1, 0 or 1
func CompareVersions(v1, v2 string) (int, error) {
	a, err := semVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	b, err := semVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1, nil
		case a[i] < b[i]:
			return -1, nil
		}
	}
	return 0, nil
}

func semVer(version string) ([3]int, error) {
	major, minor, patch, err := parseSemVer(version)
	return [3]int{major, minor, patch}, err
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, fmt.Errorf("version cannot be empty")
	}
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
