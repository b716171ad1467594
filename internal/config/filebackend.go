package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir resolves an XDG base directory: the env var when set, otherwise
// fallback under the home directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ConfigFilePath is where `config set` writes.
func ConfigFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

// readJSONFile decodes path into v. A missing file leaves v untouched and
// reports fs.ErrNotExist.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSONFile writes v owner-readable only, creating parent directories.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// fileBackend keeps settings as one flat JSON object keyed by dotted names.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(ConfigFilePath())
}

// newFileBackend loads path. Unreadable files fall back to defaults with a
// warning so a bad edit never blocks startup.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	if err := readJSONFile(path, &b.data); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file: %v\n", err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s: unsupported value type %T", key, v)
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}
