//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.ripewise.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "ripewise")
	}
	return "ripewise-data"
}

// defaultsBackend stores keys in the UserDefaults domain through the
// defaults(1) tool. A missing key makes defaults exit with status 1.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) run(args ...string) (string, bool, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err == nil {
		return text, true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults %s %s: %w (%s)", args[0], b.domain, err, text)
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.run("read", b.domain, key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: not an integer: %q", key, s)
	}
	return n, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, _, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, _, err := b.run("write", b.domain, key, "-integer", strconv.Itoa(val))
	return err
}

// Delete is a no-op for keys that were never written.
func (b *defaultsBackend) Delete(key string) error {
	_, _, err := b.run("delete", b.domain, key)
	return err
}
