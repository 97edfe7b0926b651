package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/ftpengine/ftpd/internal/reply"
)

// handleHOST implements RFC 7151 virtual hosting: the value is threaded
// through to Driver.Authenticate at PASS time, so it can only be set
// before login.
func (s *session) handleHOST(arg string) {
	if s.isLoggedIn {
		s.reply(int(reply.BadSequenceOfCommands), "Cannot change host after login.")
		return
	}
	s.host = arg
	s.reply(int(reply.ServiceReady), "Host accepted.")
}

// handleHASH implements the draft-bryan-ftp-hash HASH command, computing a digest with whatever
// algorithm OPTS HASH last selected (SHA-256 unless the client asked for
// something else).
func (s *session) handleHASH(path string) {
	if !s.isLoggedIn {
		s.reply(int(reply.NotLoggedIn), reply.Text(reply.NotLoggedIn))
		return
	}

	hash, err := s.fs.GetHash(path, s.selectedHash)
	if err != nil {
		s.replyError(err)
		return
	}

	s.reply(int(reply.FileStatus), fmt.Sprintf("%s %s %s", s.selectedHash, hash, path))
}

// handleMFMT sets a file's modification time: "MFMT <YYYYMMDDHHMMSS> <path>".
func (s *session) handleMFMT(arg string) {
	if !s.isLoggedIn {
		s.reply(int(reply.NotLoggedIn), reply.Text(reply.NotLoggedIn))
		return
	}

	timeStr, path, ok := strings.Cut(arg, " ")
	if !ok {
		s.reply(int(reply.SyntaxErrorInParameters), reply.Text(reply.SyntaxErrorInParameters))
		return
	}

	t, err := time.Parse("20060102150405", timeStr)
	if err != nil {
		s.reply(int(reply.SyntaxErrorInParameters), "Invalid time format.")
		return
	}

	if err := s.fs.SetTime(path, t); err != nil {
		s.replyError(err)
		return
	}

	s.reply(int(reply.FileStatus), fmt.Sprintf("Modify=%s; %s", timeStr, path))
}
