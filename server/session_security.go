package server

import (
	"bufio"
	"crypto/tls"
	"strings"

	"github.com/ftpengine/ftpd/internal/reply"
)

// handleAUTH implements RFC 4217's AUTH TLS: the only mechanism negotiated
// here, since that's the one modern clients send for explicit FTPS.
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(int(reply.CommandNotImplemented), "TLS not configured.")
		return
	}
	if strings.ToUpper(arg) != "TLS" {
		s.reply(int(reply.ParameterNotImplemented), "Only AUTH TLS is supported.")
		return
	}

	s.reply(int(reply.SecurityExchangeOK), "AUTH TLS successful.")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)

	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.mu.Unlock()
}

// handlePROT sets the data-channel protection level per RFC 4217: P
// (private, TLS-wrapped) or C (clear). s.prot is read back by
// wrapDataConn when the next data connection opens.
func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(int(reply.CommandNotImplemented), "TLS not configured.")
		return
	}
	switch strings.ToUpper(arg) {
	case "P":
		s.prot = "P"
		s.reply(int(reply.CommandOK), "PROT P OK.")
	case "C":
		s.prot = "C"
		s.reply(int(reply.CommandOK), "PROT C OK.")
	default:
		s.reply(int(reply.ParameterNotImplemented), "PROT not implemented.")
	}
}

// handlePBSZ implements RFC 4217's protection buffer size negotiation. The
// core only ever runs TLS record-layer framing, so the only size it can
// honor is 0, which it reports back regardless of what was requested.
func (s *session) handlePBSZ(_ string) {
	if s.server.tlsConfig == nil {
		s.reply(int(reply.CommandNotImplemented), "TLS not configured.")
		return
	}
	s.reply(int(reply.CommandOK), "PBSZ=0")
}
