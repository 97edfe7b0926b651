package ftp

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Entry is one line of a LIST response, parsed just far enough for the
// fields this repository's own tests assert on.
type Entry struct {
	Name string
	Size int64
}

// parseUnixListLine parses the "perms links owner group size Mon DD HH:MM name"
// line this project's own server emits for LIST, mirroring ls -l.
func parseUnixListLine(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, false
	}
	name := strings.Join(fields[8:], " ")
	return &Entry{Name: name, Size: size}, true
}

// List runs LIST over a fresh data connection and parses the server's
// Unix-style listing into Entries.
func (c *Client) List(path string) ([]*Entry, error) {
	var dataConn net.Conn
	var err error
	if path == "" {
		dataConn, _, err = c.cmdDataConnFrom("LIST")
	} else {
		dataConn, _, err = c.cmdDataConnFrom("LIST", path)
	}
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		if entry, ok := parseUnixListLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		dataConn.Close()
		return nil, fmt.Errorf("failed to read directory listing: %w", scanErr)
	}
	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}
	return entries, nil
}

// NameList runs NLST and returns the bare filenames.
func (c *Client) NameList(path string) ([]string, error) {
	var dataConn net.Conn
	var err error
	if path == "" {
		dataConn, _, err = c.cmdDataConnFrom("NLST")
	} else {
		dataConn, _, err = c.cmdDataConnFrom("NLST", path)
	}
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		dataConn.Close()
		return nil, fmt.Errorf("failed to read name list: %w", scanErr)
	}
	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}
	return names, nil
}

// CurrentDir returns the working directory reported by PWD, unquoting
// the RFC 959 '"<path>" is the current directory.' form.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expectCode(257, "PWD")
	if err != nil {
		return "", err
	}
	start := strings.IndexByte(resp.Message, '"')
	if start < 0 {
		return "", fmt.Errorf("unexpected PWD response: %s", resp.Message)
	}
	end := strings.IndexByte(resp.Message[start+1:], '"')
	if end < 0 {
		return "", fmt.Errorf("unexpected PWD response: %s", resp.Message)
	}
	return resp.Message[start+1 : start+1+end], nil
}

// ChangeDir issues CWD.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expect2xx("CWD", path)
	return err
}

// MakeDir issues MKD.
func (c *Client) MakeDir(path string) error {
	_, err := c.expect2xx("MKD", path)
	return err
}

// RemoveDir issues RMD.
func (c *Client) RemoveDir(path string) error {
	_, err := c.expect2xx("RMD", path)
	return err
}

// Delete issues DELE.
func (c *Client) Delete(path string) error {
	_, err := c.expect2xx("DELE", path)
	return err
}

// Rename issues RNFR followed by RNTO.
func (c *Client) Rename(from, to string) error {
	if _, err := c.expectCode(350, "RNFR", from); err != nil {
		return err
	}
	_, err := c.expect2xx("RNTO", to)
	return err
}

// ModTime retrieves a file's modification time via MDTM.
func (c *Client) ModTime(path string) (time.Time, error) {
	resp, err := c.expectCode(213, "MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("20060102150405", strings.TrimSpace(resp.Message))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM response: %s", resp.Message)
	}
	return t, nil
}

// SetModTime sets a file's modification time via MFMT.
func (c *Client) SetModTime(path string, t time.Time) error {
	_, err := c.expect2xx("MFMT", t.UTC().Format("20060102150405"), path)
	return err
}

// Chmod changes a file's permission bits via SITE CHMOD.
func (c *Client) Chmod(path string, mode os.FileMode) error {
	_, err := c.expect2xx("SITE", "CHMOD", fmt.Sprintf("%o", mode.Perm()), path)
	return err
}
