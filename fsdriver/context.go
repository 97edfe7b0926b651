package fsdriver

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/ftpengine/ftpd/server"
)

// fsContext implements server.ClientContext over an afero.Fs that is already
// jailed to one user's root directory (see afero.NewBasePathFs in
// FSDriver.Authenticate). It tracks only the client's virtual working
// directory; every path it hands to fs is resolved against that first.
type fsContext struct {
	fs       afero.Fs
	cwd      string
	readOnly bool
	settings *server.Settings
}

func (c *fsContext) Close() error {
	return nil
}

// resolve turns a client-supplied path (absolute or relative to cwd) into
// the virtual absolute path to hand to fs. BasePathFs joins this against the
// user's root and rejects anything that climbs back out of it.
func (c *fsContext) resolve(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(c.cwd, path)
	}
	return filepath.Clean(path)
}

func (c *fsContext) ChangeDir(path string) error {
	rel := c.resolve(path)

	info, err := c.fs.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}

	c.cwd = rel
	return nil
}

func (c *fsContext) GetWd() (string, error) {
	return c.cwd, nil
}

func (c *fsContext) MakeDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.fs.Mkdir(c.resolve(path), 0755)
}

func (c *fsContext) RemoveDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.fs.RemoveAll(c.resolve(path))
}

func (c *fsContext) DeleteFile(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.fs.Remove(c.resolve(path))
}

func (c *fsContext) Rename(fromPath, toPath string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.fs.Rename(c.resolve(fromPath), c.resolve(toPath))
}

func (c *fsContext) ListDir(path string) ([]os.FileInfo, error) {
	return afero.ReadDir(c.fs, c.resolve(path))
}

func (c *fsContext) OpenFile(path string, flag int) (io.ReadWriteCloser, error) {
	if c.readOnly {
		if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
			return nil, os.ErrPermission
		}
	}
	return c.fs.OpenFile(c.resolve(path), flag, 0644)
}

func (c *fsContext) GetFileInfo(path string) (os.FileInfo, error) {
	return c.fs.Stat(c.resolve(path))
}

// GetHash supports SHA-256, SHA-512, SHA-1, MD5 and CRC32.
func (c *fsContext) GetHash(path string, algo string) (string, error) {
	f, err := c.fs.Open(c.resolve(path))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h interface {
		io.Writer
		Sum(b []byte) []byte
	}
	switch strings.ToUpper(algo) {
	case "SHA-256", "SHA256":
		h = sha256.New()
	case "SHA-512", "SHA512":
		h = sha512.New()
	case "SHA-1", "SHA1":
		h = sha1.New()
	case "MD5":
		h = md5.New()
	case "CRC32":
		h = crc32.NewIEEE()
	default:
		return "", errors.New("unsupported algorithm")
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *fsContext) SetTime(path string, t time.Time) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.fs.Chtimes(c.resolve(path), t, t)
}

func (c *fsContext) Chmod(path string, mode os.FileMode) error {
	if c.readOnly {
		return os.ErrPermission
	}
	if mode > 0777 {
		return os.ErrInvalid
	}
	return c.fs.Chmod(c.resolve(path), mode)
}

func (c *fsContext) GetSettings() *server.Settings {
	if c.settings == nil {
		return &server.Settings{}
	}
	return c.settings
}
