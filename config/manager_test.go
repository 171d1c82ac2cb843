package config

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e fakeEntry) Bucket() string                  { return "fitopt_config" }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return e.rev }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeWatcher struct {
	updates chan jetstream.KeyValueEntry
	once    sync.Once
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }
func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.updates) })
	return nil
}

// fakeKV is an in-memory KeyValue whose Put feeds the watcher
type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	rev     uint64
	watcher *fakeWatcher
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v, rev: kv.rev}, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	kv.rev++
	kv.data[key] = append([]byte(nil), value...)
	entry := fakeEntry{key: key, value: value, rev: kv.rev}
	w := kv.watcher
	kv.mu.Unlock()
	if w != nil {
		w.updates <- entry
	}
	return entry.rev, nil
}

func (kv *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if len(kv.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *fakeKV) Watch(_ context.Context, _ string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.watcher = &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)}
	return kv.watcher, nil
}

func (kv *fakeKV) put(t *testing.T, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = kv.Put(context.Background(), key, data)
	require.NoError(t, err)
}

func startManager(t *testing.T, cfg *Config, kv *fakeKV) *Manager {
	t.Helper()
	cm := newManager(cfg, kv, nil)
	require.NoError(t, cm.Start(context.Background()))
	t.Cleanup(func() { _ = cm.Stop(time.Second) })
	return cm
}

func TestManager_FirstBootPushesSections(t *testing.T) {
	kv := newFakeKV()
	startManager(t, Default(), kv)

	keys, err := kv.Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, append([]string{versionKey}, Sections...), keys)
	assert.NotContains(t, keys, "nats", "connection settings stay local")
	assert.NotContains(t, keys, "postgres")

	entry, err := kv.Get(context.Background(), "prefetch")
	require.NoError(t, err)
	var section map[string]any
	require.NoError(t, json.Unmarshal(entry.Value(), &section))
	assert.EqualValues(t, 50, section["queue_capacity"])
}

func TestManager_VersionReconciliation(t *testing.T) {
	tests := []struct {
		name        string
		fileVersion string
		kvVersion   string
		wantTopN    int
	}{
		{"kv newer wins", "1.0.0", "1.1.0", 42},
		{"equal versions take kv", "1.0.0", "1.0.0", 42},
		{"file newer overwrites kv", "2.0.0", "1.0.0", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newFakeKV()
			kv.put(t, versionKey, tt.kvVersion)
			kv.put(t, "query", map[string]any{"top_n": 42})

			cfg := Default()
			cfg.Version = tt.fileVersion
			cm := startManager(t, cfg, kv)

			assert.Equal(t, tt.wantTopN, cm.GetConfig().Get().Query.TopN)
			if tt.wantTopN == 10 {
				entry, err := kv.Get(context.Background(), versionKey)
				require.NoError(t, err)
				assert.JSONEq(t, `"2.0.0"`, string(entry.Value()))
			}
		})
	}
}

func TestManager_WatchNotifiesSubscribers(t *testing.T) {
	kv := newFakeKV()
	cm := startManager(t, Default(), kv)

	prefetchCh := cm.OnChange("prefetch")
	allCh := cm.OnChange("*")
	usageCh := cm.OnChange("usage")
	<-prefetchCh // initial
	<-allCh
	<-usageCh

	kv.put(t, "prefetch", map[string]any{"refresh_interval": "1m", "queue_capacity": 12})

	select {
	case u := <-prefetchCh:
		assert.Equal(t, "prefetch", u.Path)
		cfg := u.Config.Get()
		assert.Equal(t, time.Minute, cfg.Prefetch.RefreshInterval)
		assert.Equal(t, 12, cfg.Prefetch.QueueCapacity)
		assert.Equal(t, Default().Prefetch.DrainBatch, cfg.Prefetch.DrainBatch, "partial sections merge")
	case <-time.After(time.Second):
		t.Fatal("no prefetch update")
	}
	select {
	case u := <-allCh:
		assert.Equal(t, "prefetch", u.Path)
	case <-time.After(time.Second):
		t.Fatal("no wildcard update")
	}
	select {
	case <-usageCh:
		t.Fatal("usage subscriber notified of a prefetch change")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_InvalidRemoteEditIsIgnored(t *testing.T) {
	kv := newFakeKV()
	cm := startManager(t, Default(), kv)

	require.Error(t, cm.updateConfig("prefetch", []byte(`{"workers": 0}`)))
	require.Error(t, cm.updateConfig("cache", []byte(`{"default_ttl": "forever"}`)))
	require.Error(t, cm.updateConfig("usage", []byte(`[`)))
	assert.Equal(t, Default().Prefetch.Workers, cm.GetConfig().Get().Prefetch.Workers)

	require.NoError(t, cm.updateConfig("nats", []byte(`{"urls": ["nats://evil"]}`)), "non-section keys are ignored")
	assert.Empty(t, cm.GetConfig().Get().NATS.URLs)
}

func TestManager_StopClosesSubscribers(t *testing.T) {
	cm := startManager(t, Default(), newFakeKV())
	ch := cm.OnChange("*")
	<-ch

	require.NoError(t, cm.Stop(time.Second))
	require.NoError(t, cm.Stop(time.Second))
	_, open := <-ch
	assert.False(t, open)
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		key, pattern string
		want         bool
	}{
		{"prefetch", "prefetch", true},
		{"prefetch", "*", true},
		{"prefetch", "pre*", true},
		{"preload", "pre*", true},
		{"usage", "pre*", false},
		{"usage", "prefetch", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesPattern(tt.key, tt.pattern), "%s ~ %s", tt.key, tt.pattern)
	}
}
