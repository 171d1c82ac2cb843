package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Limits on what the loader and the KV watcher accept
const (
	maxConfigSize = 1 << 20 // one file or one KV section
	maxNesting    = 32
	maxEnvValue   = 4096
	maxPathLen    = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

// checkConfigPath rejects paths with parent references and unknown
// extensions. Absolute paths are allowed; they come from the operator.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty config path", errors.ErrInvalidConfig)
	case len(path) > maxPathLen:
		return fmt.Errorf("%w: config path longer than %d", errors.ErrInvalidConfig, maxPathLen)
	case slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".."):
		return fmt.Errorf("%w: parent reference in config path %s", errors.ErrInvalidConfig, path)
	}
	if !slices.Contains(configExtensions, strings.ToLower(filepath.Ext(path))) {
		return fmt.Errorf("%w: config file must be one of %v: %s", errors.ErrInvalidConfig, configExtensions, path)
	}
	return nil
}

// readConfigFile reads a regular config file of bounded size
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// writeConfigFile replaces path atomically with owner-only permissions
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "check path")
	}
	if len(data) > maxConfigSize {
		return errors.WrapInvalid(fmt.Errorf("%w: encoded config is %d bytes, limit %d", errors.ErrInvalidConfig, len(data), maxConfigSize),
			"Config", "SaveToFile", "check size")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fitopt-*"+filepath.Ext(path))
	if err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "Config", "SaveToFile", "write temp file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "Config", "SaveToFile", "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "rename temp file")
	}
	return nil
}

// checkEnvValue bounds an environment override
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, key, len(value), maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: null byte in %s", errors.ErrInvalidConfig, key)
	}
	return nil
}

// checkJSONNesting scans raw JSON without decoding it, so deeply nested
// input is rejected before the decoder recurses into it
func checkJSONNesting(data []byte) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("%w: nesting deeper than %d", errors.ErrInvalidConfig, maxNesting)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced brackets", errors.ErrInvalidConfig)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: %d unclosed brackets", errors.ErrInvalidConfig, depth)
	}
	return nil
}

// nestingDepth measures a decoded document; YAML anchors make the raw text
// a poor guide
func nestingDepth(v any) int {
	deepest := 0
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			deepest = max(deepest, nestingDepth(child))
		}
	case []any:
		for _, child := range t {
			deepest = max(deepest, nestingDepth(child))
		}
	default:
		return 0
	}
	return deepest + 1
}
