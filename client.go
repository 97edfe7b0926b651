package ftp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Client is a control-channel connection to an FTP server plus whatever
// data-connection state a transfer in progress needs.
type Client struct {
	conn       net.Conn
	reader     *bufio.Reader
	dialer     *net.Dialer
	host, port string

	timeout time.Duration

	tlsConfig   *tls.Config
	explicitTLS bool

	activeMode  bool
	currentType string

	mu sync.Mutex
}

// Option configures a Client at Dial time.
type Option func(*Client) error

// WithTimeout bounds every control-connection read/write and the initial
// dial itself.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithActiveMode makes data transfers use PORT instead of PASV.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}

// WithExplicitTLS upgrades the control connection with AUTH TLS right
// after the greeting, then sends PBSZ 0 / PROT P as RFC 4217 requires.
func WithExplicitTLS(cfg *tls.Config) Option {
	return func(c *Client) error {
		if cfg == nil {
			cfg = &tls.Config{}
		}
		c.tlsConfig = cfg
		c.explicitTLS = true
		return nil
	}
}

// Dial connects to addr ("host:port"), reads the greeting, and applies
// opts before returning a ready-to-use Client.
func Dial(addr string, opts ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		dialer:  &net.Dialer{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	c.dialer.Timeout = c.timeout

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	resp, err := readResponse(c.reader)
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		c.conn.Close()
		return nil, &ProtocolError{Command: "CONNECT", Response: resp.Message, Code: resp.Code}
	}

	if c.explicitTLS {
		if err := c.upgradeToTLS(); err != nil {
			c.conn.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) upgradeToTLS() error {
	resp, err := c.sendCommand("AUTH", "TLS")
	if err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}
	if resp.Code != 234 {
		return &ProtocolError{Command: "AUTH TLS", Response: resp.Message, Code: resp.Code}
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.expectCode(200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expectCode(200, "PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}
	return nil
}

// Login sends USER then, unless the server already authenticated off the
// username alone, PASS.
func (c *Client) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}
	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 {
		return &ProtocolError{Command: "USER", Response: resp.Message, Code: resp.Code}
	}
	_, err = c.expectCode(230, "PASS", password)
	return err
}

// Quit sends QUIT and closes the control connection regardless of the
// server's reply.
func (c *Client) Quit() error {
	if c.conn == nil {
		return nil
	}
	_, _ = c.sendCommand("QUIT")
	return c.conn.Close()
}

// Host sends the RFC 7151 HOST command; it must precede Login.
func (c *Client) Host(host string) error {
	_, err := c.expect2xx("HOST", host)
	return err
}

// Type sets the transfer type, skipping the round trip if it is already
// set to t.
func (c *Client) Type(t string) error {
	if c.currentType == t {
		return nil
	}
	if _, err := c.expectCode(200, "TYPE", t); err != nil {
		return err
	}
	c.currentType = t
	return nil
}

// Noop sends NOOP, useful as a liveness probe on an otherwise idle
// connection.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends an arbitrary command and returns the raw reply, for
// exercising commands this client has no dedicated method for.
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.sendCommand(command, args...)
}

// Hash requests a file's digest via the draft-bryan-ftp-hash HASH command,
// using whichever algorithm SetHashAlgo last selected.
func (c *Client) Hash(path string) (string, error) {
	resp, err := c.sendCommand("HASH", path)
	if err != nil {
		return "", err
	}
	if resp.Code != 213 {
		return "", &ProtocolError{Command: "HASH", Response: resp.Message, Code: resp.Code}
	}
	parts := strings.Fields(resp.Message)
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid HASH response: %s", resp.Message)
	}
	return parts[1], nil
}

// SetHashAlgo selects the algorithm HASH reports via OPTS HASH.
func (c *Client) SetHashAlgo(algo string) error {
	_, err := c.expect2xx("OPTS", "HASH", algo)
	return err
}
