// Package authcookie loads (or creates, on the server side) the
// 256-byte shared secret exchanged on every client connection via
// PA_COMMAND_AUTH.
//
// Grounded on original_source/polyp/polyplib-context.c's
// pa_authkey_load_from_home call and original_source/polyp/authkey.c;
// the load-or-default file idiom follows a config package layout seen
// elsewhere in the codebase.
package authcookie

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polypd/polypd/internal/protocol"
)

// DefaultPath returns the conventional cookie location,
// $XDG_CONFIG_HOME/polypaudio/cookie (or os.UserConfigDir()'s
// equivalent), mirroring PA_NATIVE_COOKIE_FILE's "~/.polypaudio-cookie"
// role translated to Go's per-OS config directory convention.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "polypaudio", "cookie"), nil
}

// Load reads a CookieLength-byte cookie from path.
func Load(path string) ([protocol.CookieLength]byte, error) {
	var cookie [protocol.CookieLength]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return cookie, fmt.Errorf("authcookie: reading %s: %w", path, err)
	}
	if len(data) != protocol.CookieLength {
		return cookie, fmt.Errorf("authcookie: %s has %d bytes, want %d", path, len(data), protocol.CookieLength)
	}
	copy(cookie[:], data)
	return cookie, nil
}

// LoadOrCreate reads the cookie at path, generating and persisting a
// fresh random one if it doesn't exist yet. Used by the server side,
// which owns the cookie's lifetime; clients only ever Load.
func LoadOrCreate(path string) ([protocol.CookieLength]byte, error) {
	cookie, err := Load(path)
	if err == nil {
		return cookie, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return cookie, err
	}
	if _, rerr := rand.Read(cookie[:]); rerr != nil {
		return cookie, fmt.Errorf("authcookie: generating cookie: %w", rerr)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return cookie, fmt.Errorf("authcookie: creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, cookie[:], 0o600); err != nil {
		return cookie, fmt.Errorf("authcookie: writing %s: %w", path, err)
	}
	return cookie, nil
}
