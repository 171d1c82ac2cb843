package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/natsclient"
)

// versionKey holds the semver of the published configuration
const versionKey = "version"

// Sections are the configuration sections published to KV. Connection
// settings and secrets stay local.
var Sections = []string{"cache", "query", "realtime", "prefetch", "preload", "usage", "diagnostics"}

// Update is a configuration change notification
type Update struct {
	Path   string      // changed section, e.g. "prefetch"
	Config *SafeConfig // full latest configuration
}

// KeyValue is the part of a JetStream KV bucket the manager uses
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// Manager keeps the configuration in sync with a NATS KV bucket and fans
// out changes to subscribers
type Manager struct {
	config      *SafeConfig
	kv          KeyValue
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	watcher    jetstream.KeyWatcher
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewConfigManager creates or opens the config bucket
func NewConfigManager(ctx context.Context, cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if cfg == nil || client == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: config and nats client are required", errors.ErrMissingConfig),
			"Manager", "NewConfigManager", "check deps")
	}
	bucket := cfg.NATS.ConfigBucket
	if bucket == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nats.config_bucket is empty", errors.ErrMissingConfig),
			"Manager", "NewConfigManager", "check bucket")
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "fitopt runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "NewConfigManager", "create/get KV bucket")
	}
	return newManager(cfg, kv, logger), nil
}

func newManager(cfg *Config, kv KeyValue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg),
		kv:          kv,
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of sections matching pattern: an exact
// section name, "*" for every section, or a prefix ending in "*".
// The channel receives the current configuration immediately.
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: cm.config}:
	default:
	}
	return ch
}

// Start reconciles the file configuration with KV, then watches for edits.
// On first boot the file configuration is pushed. Afterwards the newer
// version wins; equal versions take KV so remote edits survive restarts.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	keys, err := cm.kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		cm.logger.Warn("Failed to list KV config, treating as first boot", "error", err)
	}

	if len(keys) == 0 {
		cm.logger.Info("First boot detected, pushing config to KV")
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push initial config to KV", "error", err)
		}
	} else {
		cm.reconcile(ctx)
	}

	watcher, err := cm.kv.Watch(ctx, "*", jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Start", "watch config bucket")
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx, watcher)
	return nil
}

func (cm *Manager) reconcile(ctx context.Context) {
	fileVersion := cm.config.Get().Version
	kvVersion := cm.getKVVersion(ctx)

	cmp, err := CompareVersions(fileVersion, kvVersion)
	switch {
	case err != nil:
		cm.logger.Warn("Failed to compare versions, syncing from KV",
			"file_version", fileVersion, "kv_version", kvVersion, "error", err)
		cm.syncFromKV(ctx)
	case cmp > 0:
		cm.logger.Info("File version is newer than KV, updating KV",
			"file_version", fileVersion, "kv_version", kvVersion)
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to update KV with newer config", "error", err)
		}
	case cmp < 0:
		cm.logger.Warn("File version is older than KV, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion, "hint", "bump file version to update KV")
		cm.syncFromKV(ctx)
	default:
		cm.logger.Info("File and KV versions match, syncing from KV", "version", fileVersion)
		cm.syncFromKV(ctx)
	}
}

// Stop stops watching and closes every subscriber channel
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry != nil && entry.Operation() == jetstream.KeyValuePut {
				cm.handleUpdate(entry.Key(), entry.Value())
			}
		}
	}
}

// handleUpdate applies one KV entry and notifies matching subscribers
func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() || key == versionKey {
		return
	}
	if err := cm.updateConfig(key, value); err != nil {
		cm.logger.Error("Failed to update configuration", "key", key, "error", err)
		return
	}

	update := Update{Path: key, Config: cm.config}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(key, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			// slow subscribers miss intermediate updates
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// matchesPattern checks if a section key matches a subscription pattern
func matchesPattern(key, pattern string) bool {
	if pattern == key || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

func isSection(key string) bool {
	for _, s := range Sections {
		if s == key {
			return true
		}
	}
	return false
}

// updateConfig merges a section value into the configuration. The merged
// result must validate, so a bad remote edit leaves the config unchanged.
func (cm *Manager) updateConfig(key string, value []byte) error {
	if !isSection(key) {
		return nil
	}
	if len(value) > maxConfigSize {
		return fmt.Errorf("config value too large: %d bytes > %d", len(value), maxConfigSize)
	}
	if err := checkJSONNesting(value); err != nil {
		return fmt.Errorf("check %s section: %w", key, err)
	}

	var section map[string]any
	if err := json.Unmarshal(value, &section); err != nil {
		return fmt.Errorf("parse %s section: %w", key, err)
	}
	parseDurations(section)

	merged, err := mergeFromMap(cm.config.Get(), map[string]any{key: section})
	if err != nil {
		return fmt.Errorf("merge %s section: %w", key, err)
	}
	return cm.config.Update(merged)
}

// sections renders the published sections of cfg keyed by name
func sections(cfg *Config) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(Sections))
	for _, name := range Sections {
		if raw, ok := all[name]; ok {
			out[name] = raw
		}
	}
	return out, nil
}

// PushToKV publishes the version and every section
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	if cfg.Version != "" {
		data, err := json.Marshal(cfg.Version)
		if err != nil {
			return fmt.Errorf("marshal version: %w", err)
		}
		if _, err := cm.kv.Put(ctx, versionKey, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "push version")
		}
	} else {
		cm.logger.Warn("Config version is empty, not pushing version to KV")
	}

	secs, err := sections(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "PushToKV", "render sections")
	}
	for _, name := range Sections {
		raw, ok := secs[name]
		if !ok {
			continue
		}
		if _, err := cm.kv.Put(ctx, name, raw); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "push "+name)
		}
	}
	cm.logger.Debug("Configuration pushed to KV", "version", cfg.Version, "sections", len(secs))
	return nil
}

// getKVVersion returns the published version, "0.0.0" when absent
func (cm *Manager) getKVVersion(ctx context.Context) string {
	entry, err := cm.kv.Get(ctx, versionKey)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value(), &version); err != nil {
		cm.logger.Warn("Failed to parse version from KV, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV applies every published section
func (cm *Manager) syncFromKV(ctx context.Context) {
	applied := 0
	for _, key := range Sections {
		entry, err := cm.kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				cm.logger.Warn("Failed to get KV entry during sync", "key", key, "error", err)
			}
			continue
		}
		if err := cm.updateConfig(key, entry.Value()); err != nil {
			cm.logger.Warn("Failed to apply KV config during sync", "key", key, "error", err)
			continue
		}
		applied++
	}
	cm.logger.Info("Synced configuration from KV", "sections", applied)
}
