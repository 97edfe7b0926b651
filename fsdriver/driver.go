// Package fsdriver is a reference server.Driver implementation backed by
// afero.Fs. It chroots each authenticated user under a base directory using
// afero.NewBasePathFs, so every ClientContext operation is confined to that
// subtree regardless of the paths the client sends.
package fsdriver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ftpengine/ftpd/server"
)

// FSDriver implements server.Driver over an afero.Fs.
//
// Default behavior (no options):
//   - Allows anonymous login ("ftp" or "anonymous" users only)
//   - Anonymous users have read-only access
//   - All operations are confined to the root path
type FSDriver struct {
	rootPath string
	osFs     afero.Fs

	// authenticator is an optional hook to validate credentials and return the
	// root path for the user. If nil, defaults to strict anonymous-only,
	// read-only access, unless disableAnonymous is true.
	authenticator func(user, pass, host string) (string, bool, error)

	disableAnonymous bool
	enableAnonWrite  bool

	settings *server.Settings
}

// Option configures an FSDriver.
type Option func(*FSDriver)

// New creates a filesystem driver rooted at rootPath.
func New(rootPath string, opts ...Option) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{
		rootPath: rootPath,
		osFs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// WithAuthenticator sets a custom authentication function. It receives the
// USER/PASS/HOST values and returns the root directory to chroot the user
// into, whether the session is read-only, and an authentication error (use
// os.ErrPermission for invalid credentials).
func WithAuthenticator(fn func(user, pass, host string) (string, bool, error)) Option {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithDisableAnonymous disables the default anonymous-login fallback used
// when no authenticator is configured.
func WithDisableAnonymous(disable bool) Option {
	return func(d *FSDriver) {
		d.disableAnonymous = disable
	}
}

// WithAnonWrite grants anonymous sessions write access. Default is read-only.
func WithAnonWrite(enable bool) Option {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// WithSettings attaches server.Settings (passive port range, public host)
// returned from every session's GetSettings.
func WithSettings(settings *server.Settings) Option {
	return func(d *FSDriver) {
		d.settings = settings
	}
}

// Authenticate implements server.Driver.
func (d *FSDriver) Authenticate(user, pass, host string) (server.ClientContext, error) {
	rootPath := d.rootPath
	readOnly := false

	if d.authenticator != nil {
		var err error
		rootPath, readOnly, err = d.authenticator(user, pass, host)
		if err != nil {
			return nil, err
		}
	} else {
		if d.disableAnonymous {
			return nil, errors.New("anonymous login disabled")
		}
		if user != "ftp" && user != "anonymous" {
			return nil, errors.New("only anonymous login allowed")
		}
		readOnly = !d.enableAnonWrite
	}

	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	return &fsContext{
		fs:       afero.NewBasePathFs(d.osFs, rootPath),
		cwd:      "/",
		readOnly: readOnly,
		settings: d.settings,
	}, nil
}
