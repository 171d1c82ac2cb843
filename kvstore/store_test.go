package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/errors"
)

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "models.db"), "", nil)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			defer s.Close()

			_, err := s.Get(ctx, "models")
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrKeyNotFound)

			require.NoError(t, s.Put(ctx, "models", []byte(`{"/workout":{}}`)))
			got, err := s.Get(ctx, "models")
			require.NoError(t, err)
			assert.Equal(t, `{"/workout":{}}`, string(got))

			require.NoError(t, s.Put(ctx, "models", []byte(`{}`)))
			got, err = s.Get(ctx, "models")
			require.NoError(t, err)
			assert.Equal(t, `{}`, string(got), "put overwrites")

			require.NoError(t, s.Put(ctx, "routes/a", []byte("1")))
			require.NoError(t, s.Put(ctx, "routes/b", []byte("2")))
			keys, err := s.List(ctx, "routes/")
			require.NoError(t, err)
			assert.Equal(t, []string{"routes/a", "routes/b"}, keys)

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"models", "routes/a", "routes/b"}, all)

			require.NoError(t, s.Delete(ctx, "models"))
			require.NoError(t, s.Delete(ctx, "models"), "delete is idempotent")
			_, err = s.Get(ctx, "models")
			assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		})
	}
}

func TestStore_ReturnedValuesAreCopies(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			defer s.Close()

			value := []byte("abc")
			require.NoError(t, s.Put(ctx, "k", value))
			value[0] = 'x'

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "abc", string(got))
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			assert.ErrorIs(t, s.Put(ctx, "k", []byte("v")), context.Canceled)
			_, err := s.Get(ctx, "k")
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "models.db")

	s, err := OpenBolt(path, "models", nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "doc", []byte("persisted")))
	require.NoError(t, s.Close())

	reopened, err := OpenBolt(path, "models", nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestOpenBolt_RequiresPath(t *testing.T) {
	_, err := OpenBolt("", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Put(context.Background(), "k", nil)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.True(t, errors.IsTransient(err))
}
