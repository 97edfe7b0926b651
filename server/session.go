package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ftpengine/ftpd/internal/codec"
	"github.com/ftpengine/ftpd/internal/command"
	"github.com/ftpengine/ftpd/internal/ratelimit"
	"github.com/ftpengine/ftpd/internal/reply"
	"github.com/ftpengine/ftpd/internal/transfer"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// session represents an FTP client session.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tnet   *telnetReader
	mu     sync.Mutex // Protects writer and state

	// Session tracking
	sessionID string
	remoteIP  string

	// State
	isLoggedIn    bool
	user          string
	renameFrom    string // For RNFR/RNTO
	fs            ClientContext
	restartOffset int64  // For REST command
	host          string // From HOST command
	selectedHash  string // Default SHA-256
	transferType  string // Transfer type (A=ASCII, I=Binary), default I

	// Background transfer state
	busy           bool
	transferCtx    context.Context
	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup

	// Reader synchronization
	cmdReqChan chan struct{}

	// lastVerb and extraNext implement spec.md's command sequencing rule:
	// lastVerb is the previous command's verb (command.None before the
	// first command); extraNext is the one-shot override RNFR sets so the
	// very next command must be RNTO regardless of the normal nextValids
	// table.
	lastVerb  command.Verb
	extraNext command.Verb

	// Data connection state: codecCfg is the MODE/TYPE/STRU the next data
	// channel will use; xfer is the transfer.Controller for whichever
	// PASV/PORT bind is currently pending or in flight.
	codecCfg codec.Config
	xfer     *transfer.Controller
	prot     string // PROT P or C

	// Cache for PASV IP resolution
	lastPublicHost string
	resolvedIP     net.IP
}

// commandHandlers maps FTP commands to their handler functions.
// All handlers have the signature: func(s *session, arg string)
// Note: USER, PASS, QUIT, and NOOP are handled specially in handleCommand
var commandHandlers = map[string]func(*session, string){
	// File Management
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"UP":   (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// File Transfer
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"STOU": (*session).handleSTOU,

	// Transfer Parameters
	"TYPE": (*session).handleTYPE,
	"PORT": (*session).handlePORT,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"EPRT": (*session).handleEPRT,
	"REST": (*session).handleREST,

	// Information
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"MLSD": (*session).handleMLSD,
	"MLST": (*session).handleMLST,

	// Security
	"AUTH": (*session).handleAUTH,
	"PROT": (*session).handlePROT,
	"PBSZ": (*session).handlePBSZ,

	// RFC 1123 Compliance
	"ACCT": (*session).handleACCT,
	"MODE": (*session).handleMODE,
	"STRU": (*session).handleSTRU,
	"SYST": (*session).handleSYST,
	"STAT": (*session).handleSTAT,
	"HELP": (*session).handleHELP,
	"SITE": (*session).handleSITE,

	// Extensions
	"HOST": (*session).handleHOST,
	"HASH": (*session).handleHASH,
	"MFMT": (*session).handleMFMT,

	// Special
	"ABOR": (*session).handleABOR,
}

// validateActiveIP ensures the data connection target matches the control connection source.
// This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteAddr := s.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr // Fallback
	}

	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return false
	}

	return ip.Equal(remoteIP)
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	return uuid.NewString()
}

// redactPath returns the path with redaction applied if enabled.
func (s *session) redactPath(path string) string {
	return s.server.redactPath(path)
}

// redactIP returns the IP with redaction applied if enabled.
func (s *session) redactIP(ip string) string {
	return s.server.redactIP(ip)
}

// rateLimitReader wraps a reader with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	// Apply per-user limit
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		r = ratelimit.NewReader(r, limiter)
	}

	// Apply global limit (chains with per-user if both set)
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}

	return r
}

// rateLimitWriter wraps a writer with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	// Apply per-user limit
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		w = ratelimit.NewWriter(w, limiter)
	}

	// Apply global limit (chains with per-user if both set)
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}

	return w
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	// Generate unique session ID
	sessionID := generateSessionID()

	// Extract remote IP
	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr // Fallback to full address
	}

	tr := telnetReaderPool.Get().(*telnetReader)
	tr.Reset(conn)

	reader := controlReaderPool.Get().(*bufio.Reader)
	reader.Reset(tr)

	writer := controlWriterPool.Get().(*bufio.Writer)
	writer.Reset(conn)

	s := &session{
		server:       server,
		conn:         conn,
		reader:       reader,
		writer:       writer,
		tnet:         tr,
		sessionID:    sessionID,
		remoteIP:     remoteIP,
		prot:         "C", // Default to clear
		selectedHash: "SHA-256",
		transferType: "I",
		cmdReqChan:   make(chan struct{}),
		lastVerb:     command.None,
		extraNext:    command.None,
		codecCfg:     codec.DefaultConfig(),
	}

	// Detect Implicit TLS (connection is already a *tls.Conn)
	if _, ok := conn.(*tls.Conn); ok {
		s.prot = "P" // Default to private for implicit TLS
	}

	return s
}

type readLine struct {
	line string
	err  error
}

// serve handles the FTP session. It uses a concurrent architecture to handle
// commands and data transfers, enabling support for commands like ABOR.
//
// Concurrency Model:
//
//  1. Reader Goroutine: A dedicated goroutine is spawned to read commands from
//     the client's control connection. It sends each command to the main `serve`
//     loop via the `cmdChan`.
//
//  2. Main Loop (`serve`): This loop receives commands from `cmdChan` and
//     dispatches them to handlers. It is the single point of control for the
//     session's state.
//
//  3. Synchronization (`cmdReqChan`): To prevent data races during connection
//     upgrades (e.g., AUTH TLS), the reader goroutine waits for a signal on
//     `cmdReqChan` before reading the next command. The main loop sends this
//     signal only after the current command handler has finished. This ensures
//     that handlers that modify the connection or reader/writer state (like
//     `handleAUTH`) can do so safely.
//
//  4. Asynchronous Transfers: Data transfer commands (RETR, STOR, etc.) are
//     handled asynchronously. They start a new goroutine for the actual data
//     copy, set a `busy` flag on the session, and return immediately. This allows
//     the main loop to process other commands, specifically ABOR and STAT.
//
//  5. Aborting Transfers (`ABOR`): If a transfer is in progress (`busy == true`),
//     the `handleABOR` command can interrupt it by closing the data connection and
//     canceling the `transferCtx`. The background transfer goroutine detects
//     this and exits gracefully.
//
//  6. State Protection (`s.mu`): A mutex protects session fields that are accessed
//     by multiple goroutines (e.g., `writer`, `conn`, `reader`, `busy`). This is
//     crucial because the main loop, reader goroutine, and transfer goroutines
//     all interact with the session's state.
//
//  7. Goroutine Cleanup (`done`): A `done` channel is created in `serve` and
//     closed on exit. The reader goroutine selects on this channel to ensure it
//     terminates when the session ends, preventing goroutine leaks.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			if cmd.err != io.EOF && cmd.err.Error() != "command too long" {
				s.server.logger.Warn("read error",
					"session_id", s.sessionID,
					"remote_ip", s.redactIP(s.remoteIP),
					"user", s.user,
					"error", cmd.err,
				)
			}
			if cmd.err.Error() == "command too long" {
				s.reply(500, "Command line too long.")
			}
			return
		}

		_ = s.conn.SetReadDeadline(time.Time{})

		if s.server.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		}

		s.handleCommand(cmd.line)

		if s.server.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(1 * time.Second):
		}
	}
}

func (s *session) sendWelcome() {
	if strings.HasPrefix(s.server.welcomeMessage, "220 ") {
		s.mu.Lock()
		fmt.Fprintf(s.writer, "%s\r\n", s.server.welcomeMessage)
		s.writer.Flush()
		s.mu.Unlock()
	} else if strings.HasPrefix(s.server.welcomeMessage, "220") {
		s.mu.Lock()
		fmt.Fprintf(s.writer, "220 %s\r\n", s.server.welcomeMessage[3:])
		s.writer.Flush()
		s.mu.Unlock()
	} else {
		s.reply(220, s.server.welcomeMessage)
	}
}

func (s *session) startCommandReader(done chan struct{}) chan readLine {
	cmdChan := make(chan readLine)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if s.server.readTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
			} else if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()

			select {
			case cmdChan <- readLine{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// readCommand reads a line from the reader with a limit.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		// Protect reader access (needed because reader might be swapped by AUTH TLS)
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}

		if len(line) >= MaxCommandLength {
			return "", fmt.Errorf("command too long")
		}

		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// close closes the session and underlying connection.
func (s *session) close() {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()

	if s.fs != nil {
		s.fs.Close()
	}
	if s.xfer != nil {
		s.xfer.Reset()
	}
	s.conn.Close()

	// Wait for all background transfers to finish before returning objects to the pool
	s.transferWG.Wait()

	// Return pooled objects
	if s.reader != nil {
		s.reader.Reset(nil)
		controlReaderPool.Put(s.reader)
		s.reader = nil
	}
	if s.writer != nil {
		s.writer.Reset(nil)
		controlWriterPool.Put(s.writer)
		s.writer = nil
	}
	if s.tnet != nil {
		s.tnet.Reset(nil)
		telnetReaderPool.Put(s.tnet)
		s.tnet = nil
	}

	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
}

// handleCommand parses and dispatches a command. Sequencing is enforced
// through internal/command before any handler runs: a command that isn't
// admissible after the previous one gets a 503 and never reaches its
// handler, per spec.md Section 4.2's nextValids rule.
func (s *session) handleCommand(line string) {
	parsed, perr := command.Parse(line)
	if parsed.Verb == command.None {
		return
	}

	logArg := parsed.Arg
	if parsed.Verb == command.PASS {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"cmd", string(parsed.Verb),
		"arg", logArg,
	)

	if perr != nil {
		var rerr *reply.Error
		if ok := asReplyError(perr, &rerr); ok {
			s.reply(int(rerr.Code), rerr.Message)
		} else {
			s.reply(int(reply.SyntaxError), reply.Text(reply.SyntaxError))
		}
		return
	}

	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()

	if busy && parsed.Verb != command.ABOR && parsed.Verb != command.STAT {
		s.reply(int(reply.BadSequenceOfCommands), "Transfer in progress, please ABOR or wait.")
		return
	}

	if !command.Admissible(s.lastVerb, parsed.Verb, s.extraNext, s.isLoggedIn) {
		s.reply(int(reply.BadSequenceOfCommands), "Bad sequence of commands.")
		return
	}

	if !s.isLoggedIn && !command.PreLoginAllowed(parsed.Verb) {
		s.reply(int(reply.NotLoggedIn), reply.Text(reply.NotLoggedIn))
		return
	}

	if s.server.disabledCommands != nil && s.server.disabledCommands[string(parsed.Verb)] {
		s.reply(int(reply.CommandNotImplemented), "Command not implemented.")
		return
	}

	prevVerb := s.lastVerb
	s.lastVerb = parsed.Verb
	if prevVerb == command.RNFR && parsed.Verb == command.RNTO {
		s.extraNext = command.None
	} else if parsed.Verb == command.RNFR {
		s.extraNext = command.RNTO
	} else {
		s.extraNext = command.None
	}

	cmd := string(parsed.Verb)
	arg := parsed.Arg
	start := time.Now()

	// Handle special commands that return errors
	var err error
	switch parsed.Verb {
	case command.USER:
		err = s.handleUSER(arg)
		s.recordCommandMetric(cmd, err == nil, time.Since(start))
	case command.PASS:
		err = s.handlePASS(arg)
		s.recordCommandMetric(cmd, err == nil, time.Since(start))
	case command.QUIT:
		s.reply(int(reply.ClosingControlConnection), "Service closing control connection.")
		s.recordCommandMetric(cmd, true, time.Since(start))
		return
	case command.NOOP:
		s.reply(int(reply.CommandOK), "OK.")
		s.recordCommandMetric(cmd, true, time.Since(start))
		return
	default:
		// Look up handler in command map
		if handler, ok := commandHandlers[cmd]; ok {
			handler(s, arg)
			s.recordCommandMetric(cmd, true, time.Since(start))
		} else {
			s.reply(int(reply.CommandNotImplemented), "Command not implemented.")
			s.recordCommandMetric(cmd, false, time.Since(start))
		}
		return
	}

	if err != nil {
		s.server.logger.Error("command handling error",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"cmd", cmd,
			"error", err,
		)
	}
}

// recordCommandMetric reports a finished command's outcome to the server's
// MetricsCollector, if one is configured.
func (s *session) recordCommandMetric(cmd string, success bool, d time.Duration) {
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, success, d)
	}
}

// asReplyError reports whether err is a *reply.Error, assigning it to out.
func asReplyError(err error, out **reply.Error) bool {
	re, ok := err.(*reply.Error)
	if ok {
		*out = re
	}
	return ok
}

// connData waits for (passive) or dials (active) the pending data
// connection set up by the last PASV/EPSV/PORT/EPRT, delegating the
// accept/dial race itself to internal/transfer.Controller and applying
// the PROT-driven TLS wrap and connection tracking this session needs on
// top.
func (s *session) connData(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer == nil {
		return nil, fmt.Errorf("no data connection setup")
	}
	return xfer.OpenWithWrap(ctx, s.wrapDataConn)
}

func (s *session) wrapDataConn(conn net.Conn) (net.Conn, error) {
	// Wrap in TLS if protected
	if s.prot == "P" {
		if s.server.tlsConfig == nil {
			conn.Close()
			return nil, fmt.Errorf("TLS configuration missing")
		}
		// RFC 4217: The FTP server MUST act as the TLS server.
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	// Apply timeouts to data connection
	if s.server.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
	}
	if s.server.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}

	// Track data connection
	s.server.trackConnection(conn, true)
	return &trackingConn{Conn: conn, server: s.server}, nil
}

func (s *session) handleABOR(_ string) {
	s.mu.Lock()
	busy := s.busy
	xfer := s.xfer
	s.mu.Unlock()

	if !busy || xfer == nil {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	// Transfer is in progress.
	s.server.logger.Info("transfer_abort_requested", "session_id", s.sessionID)

	// Abort closes the data connection and cancels any in-flight
	// Open/Transfer call on the controller, waking the background
	// transfer goroutine.
	xfer.Abort()

	if s.transferCancel != nil {
		s.transferCancel()
	}

	// Only the 226 for ABOR is sent. The aborted transfer command gets no
	// 426 of its own: the transfer goroutine sees transfer.ErrAborted and
	// returns without replying.
	s.reply(226, "ABOR command successful; transfer aborted.")
}

// replyError sends a control-channel response derived from a ClientContext
// error. A *reply.Error (or any error wrapping one) carries its own code and
// message and is sent verbatim; otherwise the error is classified through
// the os.Is* predicates onto the closest reply.Code.
func (s *session) replyError(err error) {
	var re *reply.Error
	if errors.As(err, &re) {
		s.reply(int(re.Code), re.Message)
		return
	}
	if os.IsNotExist(err) {
		s.reply(int(reply.FileUnavailable), "File not found.")
		return
	}
	if os.IsPermission(err) {
		s.reply(int(reply.FileUnavailable), "Permission denied.")
		return
	}
	if os.IsExist(err) {
		s.reply(int(reply.FileUnavailable), "File already exists.")
		return
	}
	s.reply(int(reply.FileUnavailable), "Action failed: "+err.Error())
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// logTransfer logs a file transfer in standard xferlog format.
// Format: current-time transfer-time remote-host file-size filename transfer-type special-action-flag direction access-mode username service-name authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}

	now := time.Now()
	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	// Remote host
	remoteHost := s.remoteIP

	// Transfer type: a (ascii), b (binary)
	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}

	// Special action flag: _ (none), C (compressed), U (uncompressed), T (tar)
	actionFlag := "_"

	// Direction: o (outgoing/download), i (incoming/upload)
	direction := "o"
	if cmd == "STOR" || cmd == "APPE" || cmd == "STOU" {
		direction = "i"
	}

	// Access mode: a (anonymous), g (guest), r (real user)
	accessMode := "r"
	if s.user == "anonymous" || s.user == "ftp" {
		accessMode = "a"
	}

	// Authentication method: 0 (none), 1 (rfc931 auth)
	authMethod := "0"

	// Authenticated user ID: * (not available)
	authUserID := "*"

	// Completion status: c (complete), i (incomplete)
	// We only log completed transfers for now
	completionStatus := "c"

	// Format line
	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s %s %s %s %s %s %s %s %s\n",
		now.Format("Mon Jan 02 15:04:05 2006"), // Manually mimicking ctime format
		transferTime,
		remoteHost,
		bytes,
		filename,
		tType,
		actionFlag,
		direction,
		accessMode,
		s.user,
		"ftp",
		authMethod,
		authUserID,
		completionStatus,
	)

	// Write to log (ignore errors)
	_, _ = s.server.transferLog.Write([]byte(line))
}
