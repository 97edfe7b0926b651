package server

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ftpengine/ftpd/internal/codec"
	"github.com/ftpengine/ftpd/internal/command"
	"github.com/ftpengine/ftpd/internal/transfer"
)

// handleACCT handles the ACCT command.
// RFC 1123 requires this command, but most modern servers don't need it.
func (s *session) handleACCT(arg string) {
	s.reply(202, "Command not implemented, superfluous at this site.")
}

// handleMODE handles the MODE command, updating the session's codec
// configuration for the next data channel opened.
func (s *session) handleMODE(arg string) {
	mode := strings.ToUpper(strings.TrimSpace(arg))
	var newMode codec.Mode
	var label string
	switch mode {
	case "S":
		newMode, label = codec.ModeStream, "Stream"
	case "B":
		newMode, label = codec.ModeBlock, "Block"
	case "C":
		newMode, label = codec.ModeCompressed, "Compressed"
	default:
		s.reply(504, "Command not implemented for that parameter.")
		return
	}

	cfg := s.codecCfg
	cfg.Mode = newMode
	if _, err := codec.NewPipeline(cfg); err != nil {
		s.reply(504, err.Error())
		return
	}
	s.codecCfg = cfg
	s.reply(200, "Mode set to "+label+".")
}

// handleSTRU handles the STRU command, updating the session's codec
// configuration for the next data channel opened. PAGE structure is
// rejected at the pipeline-construction stage.
func (s *session) handleSTRU(arg string) {
	stru := strings.ToUpper(strings.TrimSpace(arg))
	var newStru codec.Structure
	var label string
	switch stru {
	case "F":
		newStru, label = codec.StructureFile, "File"
	case "R":
		newStru, label = codec.StructureRecord, "Record"
	case "P":
		newStru, label = codec.StructurePage, "Page"
	default:
		s.reply(504, "Command not implemented for that parameter.")
		return
	}

	cfg := s.codecCfg
	cfg.Structure = newStru
	if _, err := codec.NewPipeline(cfg); err != nil {
		s.reply(504, "Page structure not implemented.")
		return
	}
	s.codecCfg = cfg
	s.reply(200, "Structure set to "+label+".")
}

// handleSYST handles the SYST command.
// Returns the system type, dynamically detected based on runtime.GOOS.
func (s *session) handleSYST(_ string) {
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	case "plan9":
		systType = "Plan9"
	default:
		systType = "UNKNOWN Type: L8"
	}
	s.reply(215, systType)
}

// handleSTAT handles the STAT command.
// Returns connection status information.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		// STAT with path argument - list directory (like LIST but over control connection)
		// This is optional and complex, so we'll just reject it for now
		s.reply(502, "STAT with path not implemented. Use LIST instead.")
		return
	}

	// Return connection status using multi-line response
	fmt.Fprintf(s.writer, "211-Status:\r\n")

	if s.isLoggedIn {
		fmt.Fprintf(s.writer, " Logged in as: %s\r\n", s.user)
	} else {
		fmt.Fprintf(s.writer, " Not logged in\r\n")
	}

	fmt.Fprintf(s.writer, " TYPE: %s, STRUcture: %s; transfer MODE: %s\r\n",
		s.codecCfg.Type, s.codecCfg.Structure, s.codecCfg.Mode)

	s.mu.Lock()
	xfer := s.xfer
	s.mu.Unlock()
	if xfer != nil {
		switch xfer.State() {
		case transfer.BoundPassive:
			fmt.Fprintf(s.writer, " Passive mode enabled\r\n")
		case transfer.ConnectingActive, transfer.Open, transfer.Transferring:
			fmt.Fprintf(s.writer, " Data channel: %s\r\n", xfer.State())
		}
	}

	fmt.Fprintf(s.writer, "211 End of status\r\n")
	s.writer.Flush()
}

// handleHELP handles the HELP command.
// Returns a list of supported commands.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		verb := command.Verb(strings.ToUpper(strings.TrimSpace(arg)))
		desc, ok := command.Lookup(verb)
		if !ok {
			s.reply(502, fmt.Sprintf("Unknown command %s.", arg))
			return
		}
		switch desc.ArgShape {
		case command.ArgNone:
			s.reply(214, fmt.Sprintf("Syntax: %s (no arguments).", verb))
		case command.ArgOptional:
			s.reply(214, fmt.Sprintf("Syntax: %s [argument].", verb))
		default:
			s.reply(214, fmt.Sprintf("Syntax: %s <argument>.", verb))
		}
		return
	}

	// List all supported commands using multi-line response
	fmt.Fprintf(s.writer, "214-The following commands are supported:\r\n")
	fmt.Fprintf(s.writer, " USER PASS QUIT ACCT\r\n")
	fmt.Fprintf(s.writer, " CWD CDUP PWD MKD XMKD RMD XRMD\r\n")
	fmt.Fprintf(s.writer, " LIST NLST MLSD MLST\r\n")
	fmt.Fprintf(s.writer, " RETR STOR APPE STOU DELE\r\n")
	fmt.Fprintf(s.writer, " RNFR RNTO REST\r\n")
	fmt.Fprintf(s.writer, " TYPE MODE STRU PORT PASV EPSV EPRT\r\n")
	fmt.Fprintf(s.writer, " SIZE MDTM FEAT OPTS\r\n")
	fmt.Fprintf(s.writer, " AUTH PROT PBSZ\r\n")
	fmt.Fprintf(s.writer, " SYST STAT HELP NOOP SITE\r\n")
	fmt.Fprintf(s.writer, " HOST HASH\r\n")
	fmt.Fprintf(s.writer, "214 End of help\r\n")
	s.writer.Flush()
}

// handleSITE handles the SITE command.
// Provides server-specific commands (RFC 959).
func (s *session) handleSITE(arg string) {
	if arg == "" {
		s.reply(501, "SITE command requires parameters.")
		return
	}

	parts := strings.Fields(arg)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "HELP":
		s.reply(214, "Available SITE commands: HELP, CHMOD")
	case "CHMOD":
		// Syntax: SITE CHMOD <mode> <file>
		if len(parts) < 3 {
			s.reply(501, "Syntax error in parameters or arguments.")
			return
		}
		modeStr := parts[1]
		path := strings.Join(parts[2:], " ") // path might contain spaces

		// Parse octal mode
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			s.reply(501, "Invalid mode.")
			return
		}

		// Validate mode: only allow standard permission bits (0-777)
		if mode > 0777 {
			s.reply(501, "Invalid mode: special bits not allowed.")
			return
		}

		if err := s.fs.Chmod(path, os.FileMode(mode)); err != nil {
			s.replyError(err)
			return
		}
		s.reply(200, "SITE CHMOD command successful.")

	default:
		s.reply(502, "SITE command not implemented.")
	}
}
