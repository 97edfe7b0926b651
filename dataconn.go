package ftp

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// parsePASV turns a "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)" reply
// into a dialable "host:port" address.
func parsePASV(response string) (string, error) {
	m := pasvRegex.FindStringSubmatch(response)
	if len(m) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}
	host := fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	p1, err1 := strconv.Atoi(m[5])
	p2, err2 := strconv.Atoi(m[6])
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", m[5], m[6])
	}
	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// formatPORT converts "ip:port" into the "h1,h2,h3,h4,p1,p2" form PORT
// expects.
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address, got %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// openPassiveDataConn sends PASV and dials the address it returns,
// substituting the control host if the server advertises 0.0.0.0.
func (c *Client) openPassiveDataConn() (net.Conn, error) {
	resp, err := c.sendCommand("PASV")
	if err != nil {
		return nil, fmt.Errorf("PASV failed: %w", err)
	}
	if !resp.Is2xx() {
		return nil, &ProtocolError{Command: "PASV", Response: resp.Message, Code: resp.Code}
	}
	addr, err := parsePASV(resp.String())
	if err != nil {
		return nil, err
	}
	if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil && host == "0.0.0.0" {
		addr = net.JoinHostPort(c.host, port)
	}

	dataConn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	if c.tlsConfig != nil {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			dataConn.Close()
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		return tlsConn, nil
	}
	return dataConn, nil
}

// openActiveDataConn listens on an ephemeral local port, tells the server
// about it with PORT, and returns a net.Conn that accepts lazily on first
// use (the server only connects once the transfer command is sent).
func (c *Client) openActiveDataConn() (net.Conn, error) {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		host = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	portCmd, err := formatPORT(listener.Addr().String())
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to format PORT command: %w", err)
	}
	resp, err := c.sendCommand("PORT", portCmd)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("PORT failed: %w", err)
	}
	if !resp.Is2xx() {
		listener.Close()
		return nil, &ProtocolError{Command: "PORT", Response: resp.Message, Code: resp.Code}
	}

	return &activeDataConn{listener: listener}, nil
}

// activeDataConn defers Accept until the first Read/Write, since the
// server only dials back after the transfer command has been sent.
type activeDataConn struct {
	listener net.Listener
	conn     net.Conn
}

func (a *activeDataConn) ensure() error {
	if a.conn != nil {
		return nil
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

func (a *activeDataConn) Read(p []byte) (int, error) {
	if err := a.ensure(); err != nil {
		return 0, err
	}
	return a.conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (int, error) {
	if err := a.ensure(); err != nil {
		return 0, err
	}
	return a.conn.Write(p)
}

func (a *activeDataConn) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Close()
	}
	a.listener.Close()
	return err
}

// openDataConn picks active or passive mode per WithActiveMode.
func (c *Client) openDataConn() (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn()
	}
	return c.openPassiveDataConn()
}

// cmdDataConnFrom opens the data connection, sends cmd, and hands back
// the connection for the caller to stream through and finish.
func (c *Client) cmdDataConnFrom(cmd string, args ...string) (net.Conn, *Response, error) {
	dataConn, err := c.openDataConn()
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.sendCommand(cmd, args...)
	if err != nil {
		dataConn.Close()
		return nil, nil, err
	}
	if resp.Code >= 400 {
		dataConn.Close()
		return nil, resp, &ProtocolError{Command: cmd, Response: resp.Message, Code: resp.Code}
	}

	return dataConn, resp, nil
}

// finishDataConn closes the data connection and reads the transfer's
// final status line off the control connection.
func (c *Client) finishDataConn(dataConn net.Conn) error {
	if err := dataConn.Close(); err != nil {
		return fmt.Errorf("failed to close data connection: %w", err)
	}
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	resp, err := readResponse(c.reader)
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !resp.Is2xx() {
		return &ProtocolError{Command: "DATA_TRANSFER", Response: resp.Message, Code: resp.Code}
	}
	return nil
}
