package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/errors"
)

func TestCheckConfigPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"fitopt.yaml", true},
		{"configs/fitopt.yml", true},
		{"/etc/fitopt/site.JSON", true},
		{"", false},
		{"fitopt.toml", false},
		{"../fitopt.yaml", false},
		{"configs/../../fitopt.json", false},
		{strings.Repeat("a", maxPathLen) + ".json", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := checkConfigPath(tt.path)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestReadConfigFile_Limits(t *testing.T) {
	dir := t.TempDir()

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, maxConfigSize+1), 0o600))
	_, err := readConfigFile(big)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	sub := filepath.Join(dir, "dir.yaml")
	require.NoError(t, os.Mkdir(sub, 0o700))
	_, err = readConfigFile(sub)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestWriteConfigFile_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fitopt.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, writeConfigFile(path, []byte(`{"version":"2.0.0"}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"version":"2.0.0"}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestCheckJSONNesting(t *testing.T) {
	assert.NoError(t, checkJSONNesting([]byte(`{"a":{"b":[1,2,{"c":"}]{["}]}}`)))
	assert.Error(t, checkJSONNesting([]byte(`{"a":[1,2]}}`)))
	assert.Error(t, checkJSONNesting([]byte(`{"a":{}`)))

	deep := strings.Repeat("[", maxNesting+1) + strings.Repeat("]", maxNesting+1)
	assert.ErrorIs(t, checkJSONNesting([]byte(deep)), errors.ErrInvalidConfig)
}

func TestNestingDepth(t *testing.T) {
	assert.Equal(t, 0, nestingDepth("leaf"))
	assert.Equal(t, 1, nestingDepth(map[string]any{"a": 1}))
	assert.Equal(t, 3, nestingDepth(map[string]any{
		"prefetch": map[string]any{"rules": []any{map[string]any{"route": "/"}}},
	}))
}

func TestCheckEnvValue(t *testing.T) {
	assert.NoError(t, checkEnvValue("FITOPT_NATS_URL", "nats://localhost:4222"))
	assert.Error(t, checkEnvValue("FITOPT_NATS_URL", "nats://\x00"))
	assert.Error(t, checkEnvValue("FITOPT_POSTGRES_DSN", strings.Repeat("x", maxEnvValue+1)))
}
