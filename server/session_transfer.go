package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ftpengine/ftpd/internal/codec"
	"github.com/ftpengine/ftpd/internal/ratelimit"
	"github.com/ftpengine/ftpd/internal/transfer"
)

// beginTransfer marks the session busy and returns a cancellable context
// for a background RETR/STOR/APPE/STOU task. handleCommand already refuses
// any non-ABOR/STAT command while busy, so the caller is guaranteed to be
// the only transfer in flight.
func (s *session) beginTransfer() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.busy = true
	s.transferCtx = ctx
	s.transferCancel = cancel
	s.mu.Unlock()
	s.transferWG.Add(1)
	return ctx
}

// endTransfer clears the busy flag and releases the data channel the
// transfer was using, leaving the session ready for the next PASV/PORT.
func (s *session) endTransfer() {
	s.mu.Lock()
	s.busy = false
	s.transferCtx = nil
	s.transferCancel = nil
	s.xfer = nil
	s.mu.Unlock()
	s.transferWG.Done()
}

// finishTransfer records xferlog output and transfer metrics for a
// completed RETR/STOR/APPE/STOU.
func (s *session) finishTransfer(op, path string, bytes int64, duration time.Duration) {
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"host", s.host,
		"operation", op,
		"path", s.redactPath(path),
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)

	s.logTransfer(op, path, bytes, duration)

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(op, bytes, duration)
	}
}

// runOutbound drives a RETR-shaped transfer: connect the data channel,
// send the 150, stream file through the pipeline, and reply 226/426.
func (s *session) runOutbound(ctx context.Context, xfer *transfer.Controller, file io.ReadCloser, op, path string, offset int64) {
	defer s.endTransfer()
	defer file.Close()

	conn, err := s.connData(ctx)
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	if offset > 0 {
		s.reply(150, fmt.Sprintf("Opening data connection for %s (restarting at %d).", op, offset))
	} else {
		s.reply(150, fmt.Sprintf("Opening data connection for %s.", op))
	}

	startTime := time.Now()

	// ASCII/EBCDIC translation is applied by the transfer.Controller's
	// codec.Pipeline (built from s.codecCfg when the data channel was
	// bound), not here — file is handed through untranslated.
	bytesTransferred, err := xfer.TransferOutbound(ctx, file)
	if err != nil {
		if errors.Is(err, transfer.ErrAborted) {
			return
		}
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	_ = xfer.Close()

	s.finishTransfer(op, path, bytesTransferred, time.Since(startTime))
	s.reply(226, "Transfer complete.")
}

// runInbound drives a STOR-shaped transfer: connect the data channel,
// send the 150, stream the data connection through the pipeline into
// file, and reply 226/426.
func (s *session) runInbound(ctx context.Context, xfer *transfer.Controller, file io.WriteCloser, op, path, openMsg string) {
	defer s.endTransfer()
	defer file.Close()

	conn, err := s.connData(ctx)
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	s.reply(150, openMsg)

	startTime := time.Now()

	// ASCII/EBCDIC translation is applied by the transfer.Controller's
	// codec.Pipeline (built from s.codecCfg when the data channel was
	// bound), not here — file receives the already-translated bytes.
	bytesTransferred, err := xfer.TransferInbound(ctx, file)
	if err != nil {
		if errors.Is(err, transfer.ErrAborted) {
			return
		}
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	_ = xfer.Close()

	s.finishTransfer(op, path, bytesTransferred, time.Since(startTime))
	s.reply(226, "Transfer complete.")
}

func (s *session) handleRETR(path string) {
	if !s.isLoggedIn {
		s.reply(530, "Not logged in.")
		return
	}

	file, err := s.fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		s.replyError(err)
		return
	}

	offset := s.restartOffset
	s.restartOffset = 0
	if offset > 0 {
		seeker, ok := file.(io.Seeker)
		if !ok {
			file.Close()
			s.reply(550, "Resume not supported for this file.")
			return
		}
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			s.replyError(err)
			return
		}
	}

	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer == nil {
		file.Close()
		s.reply(425, "Use PORT or PASV first.")
		return
	}

	ctx := s.beginTransfer()
	go s.runOutbound(ctx, xfer, file, "RETR", path, offset)
}

func (s *session) handleSTOR(path string) {
	if !s.isLoggedIn {
		s.reply(530, "Not logged in.")
		return
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.restartOffset > 0 {
		flags = os.O_WRONLY | os.O_CREATE
	}

	file, err := s.fs.OpenFile(path, flags)
	if err != nil {
		s.replyError(err)
		return
	}

	offset := s.restartOffset
	s.restartOffset = 0
	if offset > 0 {
		seeker, ok := file.(io.Seeker)
		if !ok {
			file.Close()
			s.reply(550, "Resume not supported for this file.")
			return
		}
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			s.replyError(err)
			return
		}
	}

	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer == nil {
		file.Close()
		s.reply(425, "Use PORT or PASV first.")
		return
	}

	ctx := s.beginTransfer()
	go s.runInbound(ctx, xfer, file, "STOR", path, "Opening data connection for STOR.")
}

func (s *session) handleAPPE(path string) {
	if !s.isLoggedIn {
		s.reply(530, "Not logged in.")
		return
	}

	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE)
	if err != nil {
		s.replyError(err)
		return
	}

	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer == nil {
		file.Close()
		s.reply(425, "Use PORT or PASV first.")
		return
	}

	ctx := s.beginTransfer()
	go s.runInbound(ctx, xfer, file, "APPE", path, "Opening data connection for APPE.")
}

func (s *session) handleSTOU(_ string) {
	if !s.isLoggedIn {
		s.reply(530, "Not logged in.")
		return
	}

	path := fmt.Sprintf("ftp-%s", uuid.NewString())

	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.replyError(err)
		return
	}

	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer == nil {
		file.Close()
		s.reply(425, "Use PORT or PASV first.")
		return
	}

	ctx := s.beginTransfer()
	go s.runInbound(ctx, xfer, file, "STOU", path, fmt.Sprintf("FILE: %s", path))
}

func (s *session) handleTYPE(arg string) {
	if !s.isLoggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return
	}
	// Only ASCII (A) and Binary/Image (I, or L 8) are accepted. TYPE E is
	// answered 504, although the codec itself has an EBCDIC translation.
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.transferType = "A"
		s.codecCfg.Type = codec.TypeASCII
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = "I"
		s.codecCfg.Type = codec.TypeImage
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handlePORT(arg string) {
	if !s.isLoggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return
	}

	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}

	ipStr := strings.Join(parts[0:4], ".")
	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(501, "Invalid IP address.")
		return
	}

	if !s.validateActiveIP(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	port := p1*256 + p2
	if err := s.bindActive(net.JoinHostPort(ip.String(), strconv.Itoa(port))); err != nil {
		s.reply(425, "Can't set active mode.")
		return
	}

	s.reply(200, "PORT command successful.")
}

// bindActive replaces any pending data channel with a fresh active-mode
// transfer.Controller built from the session's current codec/rate-limit
// configuration, per spec.md Section 9's per-transfer Pipeline redesign.
func (s *session) bindActive(addr string) error {
	pipeline, err := codec.NewPipeline(s.codecCfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.xfer != nil {
		s.xfer.Reset()
	}
	xfer := transfer.NewController(pipeline, s.globalLimiterOrNil())
	s.xfer = xfer
	s.mu.Unlock()

	return xfer.PrepareActive(addr)
}

// globalLimiterOrNil returns the server's global bandwidth limiter, if any,
// for attaching to a new transfer.Controller.
func (s *session) globalLimiterOrNil() *ratelimit.Limiter {
	return s.server.globalLimiter
}

// listenPassive binds the listener for PASV/EPSV, routing the actual accept
// call through s.server.listenerFactory so a deployment that set
// WithListenerFactory (e.g. to run passive transfers over QUIC) gets its own
// transport instead of always dialing net.Listen.
func (s *session) listenPassive() (net.Listener, error) {
	factory := s.server.listenerFactory
	if factory == nil {
		factory = &DefaultListenerFactory{}
	}

	settings := s.fs.GetSettings()
	if settings != nil && settings.PasvMinPort > 0 && settings.PasvMaxPort >= settings.PasvMinPort {
		startOffset := int(atomic.AddInt32(&s.server.nextPassivePort, 1))
		return transfer.PreparePassiveOnRangeWithListener(factory.Listen, settings.PasvMinPort, settings.PasvMaxPort, startOffset)
	}
	return transfer.PreparePassiveOnRangeWithListener(factory.Listen, 0, 0, 0)
}

// bindPassive replaces any pending data channel with a fresh passive-mode
// transfer.Controller bound to ln, built from the session's current
// codec/rate-limit configuration.
func (s *session) bindPassive(ln net.Listener) error {
	pipeline, err := codec.NewPipeline(s.codecCfg)
	if err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	if s.xfer != nil {
		s.xfer.Reset()
	}
	xfer := transfer.NewController(pipeline, s.globalLimiterOrNil())
	adoptErr := xfer.AdoptListener(ln)
	s.xfer = xfer
	s.mu.Unlock()
	return adoptErr
}

func (s *session) handlePASV(_ string) {
	if !s.isLoggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return
	}

	ln, err := s.listenPassive()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	if err := s.bindPassive(ln); err != nil {
		s.reply(504, err.Error())
		return
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	// Determine IP to send.
	host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())

	settings := s.fs.GetSettings()
	if settings != nil && settings.PublicHost != "" {
		host = settings.PublicHost
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if host == s.lastPublicHost && s.resolvedIP != nil {
			ip = s.resolvedIP
		} else if resolved, err := net.LookupIP(host); err == nil {
			for _, r := range resolved {
				if ipv4 := r.To4(); ipv4 != nil {
					ip = ipv4
					s.lastPublicHost = host
					s.resolvedIP = ip
					break
				}
			}
		}
	}

	var ipParts []string
	if ip != nil && ip.To4() != nil {
		ip = ip.To4()
		ipParts = strings.Split(ip.String(), ".")
	}
	if len(ipParts) != 4 {
		ipParts = []string{"0", "0", "0", "0"}
	}

	p1 := port / 256
	p2 := port % 256
	arg := fmt.Sprintf("%s,%s,%s,%s,%d,%d", ipParts[0], ipParts[1], ipParts[2], ipParts[3], p1, p2)
	s.reply(227, "Entering Passive Mode ("+arg+").")
}

func (s *session) handleEPSV(_ string) {
	if !s.isLoggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return
	}

	ln, err := s.listenPassive()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	if err := s.bindPassive(ln); err != nil {
		s.reply(504, err.Error())
		return
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", portStr))
}

func (s *session) handleEPRT(arg string) {
	if !s.isLoggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return
	}

	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	delim := string(arg[0])
	parts := strings.Split(arg, delim)

	// Expected format: <delim><proto><delim><ip><delim><port><delim>
	// Split results in: ["", "proto", "ip", "port", ""]
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	proto := parts[1]
	ipStr := parts[2]
	portStr := parts[3]

	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(501, "Invalid network address.")
		return
	}

	if proto == "1" && ip.To4() == nil {
		s.reply(522, "Network protocol not supported, use (2).")
		return
	}
	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}

	if !s.validateActiveIP(ip) {
		s.reply(500, "Illegal EPRT command.")
		return
	}

	if err := s.bindActive(net.JoinHostPort(ip.String(), strconv.Itoa(port))); err != nil {
		s.reply(425, "Can't set active mode.")
		return
	}

	s.reply(200, "EPRT command successful.")
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}
