package server

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ftpengine/ftpd/internal/reply"
)

// FSDriver is the package's own Driver implementation, jailed to a root
// directory via os.Root (Go 1.24+) so a resolved path can never escape it
// regardless of "../" components or symlink games. It backs this package's
// own tests; fsdriver.FSDriver is the afero-backed driver real deployments
// and cmd/ftpd use — the two exist side by side because server's internal
// tests are package server and importing fsdriver from there would cycle
// back through fsdriver's own import of server's Driver/ClientContext
// types.
type FSDriver struct {
	rootPath string

	// authenticator, when set, owns authentication entirely: given
	// user/pass/host it returns the root directory to jail the session to
	// and whether that session is read-only. A nil authenticator falls
	// back to anonymous-only access scoped to rootPath.
	authenticator func(user, pass, host string) (string, bool, error)

	disableAnonymous bool
	enableAnonWrite  bool

	settings *Settings
}

// FSDriverOption configures an FSDriver built by NewFSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver jails an FSDriver to rootPath, which must already exist and
// be a directory. The path is resolved through any symlinks once, up
// front, so every later jail check can do a plain prefix comparison
// against the resolved value instead of re-resolving on each call.
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
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

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// WithAuthenticator installs a credential/host lookup that returns the root
// directory and read-only flag for a session, or os.ErrPermission (or a
// *reply.Error built around reply.NotLoggedIn for a specific wire message)
// to reject the login. Once set, it has full control: the driver's
// anonymous-login default no longer applies.
func WithAuthenticator(fn func(user, pass, host string) (string, bool, error)) FSDriverOption {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithDisableAnonymous rejects anonymous logins outright. Only meaningful
// when no WithAuthenticator is set — a custom authenticator governs
// anonymous access itself.
func WithDisableAnonymous(disable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.disableAnonymous = disable
	}
}

// WithAnonWrite lets anonymous sessions write; the default is read-only.
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// WithSettings attaches the passive-port range and public-host override
// every session's GetSettings call will return.
func WithSettings(settings *Settings) FSDriverOption {
	return func(d *FSDriver) {
		d.settings = settings
	}
}

// Authenticate runs the authenticator if one is configured, otherwise
// enforces strict anonymous-only access rooted at rootPath, and opens an
// os.Root jail for the resulting fsContext.
func (d *FSDriver) Authenticate(user, pass, host string) (ClientContext, error) {
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
			return nil, reply.New(reply.NotLoggedIn)
		}
		if user != "ftp" && user != "anonymous" {
			return nil, reply.Newf(reply.NotLoggedIn, "only anonymous login allowed")
		}
		readOnly = !d.enableAnonWrite
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}

	return &fsContext{
		rootHandle: root,
		rootPath:   rootPath,
		cwd:        "/",
		readOnly:   readOnly,
		settings:   d.settings,
	}, nil
}

// fsContext implements ClientContext over an os.Root jail. cwd is the
// session's virtual working directory (always absolute, always "/"-rooted)
// and is translated to a jail-relative path by resolve before every
// rootHandle call.
type fsContext struct {
	rootHandle *os.Root
	rootPath   string
	cwd        string
	readOnly   bool
	settings   *Settings
}

func (c *fsContext) Close() error {
	return c.rootHandle.Close()
}

// resolve turns a client-supplied path (absolute or cwd-relative) into the
// path os.Root expects: cleaned, stripped of its leading slash, "." for
// the jail root itself.
func (c *fsContext) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(c.cwd, path)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, "/") {
		return "", errors.New("invalid path")
	}

	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

// requirePermission maps a real-filesystem path to its resolved, symlink-
// free form and confirms it still falls under c.rootPath — the guard
// Rename and SetTime each need before touching a path by its real
// filesystem location instead of going through rootHandle directly.
func (c *fsContext) requirePermission(fullPath string) (string, error) {
	real, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", os.ErrNotExist
		}
		if os.IsPermission(err) {
			return "", os.ErrPermission
		}
		return "", errors.New("failed to resolve path")
	}
	if !strings.HasPrefix(real, c.rootPath) {
		return "", os.ErrPermission
	}
	return real, nil
}

func (c *fsContext) ChangeDir(path string) error {
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}

	info, err := c.rootHandle.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return reply.Newf(reply.FileUnavailable, "not a directory")
	}

	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(c.cwd, path)
	}
	c.cwd = filepath.Clean(path)
	if !strings.HasPrefix(c.cwd, "/") {
		c.cwd = "/" + c.cwd
	}
	return nil
}

func (c *fsContext) GetWd() (string, error) {
	return c.cwd, nil
}

func (c *fsContext) MakeDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Mkdir(rel, 0755)
}

func (c *fsContext) RemoveDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Remove(rel)
}

func (c *fsContext) DeleteFile(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Remove(rel)
}

// Rename falls back to os.Rename because os.Root has no rename primitive of
// its own; requirePermission re-validates both endpoints against the jail
// root first since this path leaves rootHandle's protection.
func (c *fsContext) Rename(fromPath, toPath string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	srcRel, err := c.resolve(fromPath)
	if err != nil {
		return err
	}
	dstRel, err := c.resolve(toPath)
	if err != nil {
		return err
	}

	srcFull := filepath.Join(c.rootPath, srcRel)
	dstFull := filepath.Join(c.rootPath, dstRel)

	if _, err := c.requirePermission(srcFull); err != nil {
		return err
	}

	dstParent := filepath.Dir(dstFull)
	if _, err := c.requirePermission(dstParent); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.Rename(srcFull, dstFull); err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		if os.IsPermission(err) {
			return os.ErrPermission
		}
		return errors.New("rename failed")
	}
	return nil
}

func (c *fsContext) ListDir(path string) ([]os.FileInfo, error) {
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := c.rootHandle.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *fsContext) OpenFile(path string, flag int) (io.ReadWriteCloser, error) {
	if c.readOnly && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return c.rootHandle.OpenFile(rel, flag, 0644)
}

func (c *fsContext) GetFileInfo(path string) (os.FileInfo, error) {
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return c.rootHandle.Stat(rel)
}

// hashBuilders maps the algorithm names HASH/OPTS HASH accept to a
// constructor for the matching hash.Hash, so GetHash doesn't repeat a
// switch per accepted spelling.
var hashBuilders = map[string]func() hash.Hash{
	"SHA-256": sha256.New,
	"SHA256":  sha256.New,
	"SHA-512": sha512.New,
	"SHA512":  sha512.New,
	"SHA-1":   sha1.New,
	"SHA1":    sha1.New,
	"MD5":     md5.New,
	"CRC32":   func() hash.Hash { return crc32.NewIEEE() },
}

func (c *fsContext) GetHash(path string, algo string) (string, error) {
	build, ok := hashBuilders[strings.ToUpper(algo)]
	if !ok {
		return "", reply.Newf(reply.ParameterNotImplemented, "unsupported algorithm")
	}

	rel, err := c.resolve(path)
	if err != nil {
		return "", err
	}

	f, err := c.rootHandle.Open(rel)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := build()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *fsContext) SetTime(path string, t time.Time) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(c.rootPath, rel)
	if _, err := c.requirePermission(fullPath); err != nil {
		return err
	}

	if err := os.Chtimes(fullPath, t, t); err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		if os.IsPermission(err) {
			return os.ErrPermission
		}
		return errors.New("failed to set time")
	}
	return nil
}

func (c *fsContext) Chmod(path string, mode os.FileMode) error {
	if c.readOnly {
		return os.ErrPermission
	}
	if mode > 0777 {
		return os.ErrInvalid
	}

	rel, err := c.resolve(path)
	if err != nil {
		return err
	}

	f, err := c.rootHandle.OpenFile(rel, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Chmod(mode)
}

func (c *fsContext) GetSettings() *Settings {
	if c.settings == nil {
		return &Settings{}
	}
	return c.settings
}
