package server

import "github.com/ftpengine/ftpd/internal/command"

// Predefined command groups for use with WithDisableCommands. Each group is
// built from internal/command's Verb constants rather than duplicating verb
// spelling here, so the command catalog stays the single source of truth for
// what a verb string actually is.
var (
	// LegacyCommands are the RFC 1123 Section 4.1.3.1 X* aliases
	// (XCWD/XCUP/XPWD/XMKD/XRMD): pre-RFC-959-rename spellings that modern
	// clients don't send, kept only for old clients that still do.
	LegacyCommands = verbStrings(command.XCWD, command.XCUP, command.XPWD, command.XMKD, command.XRMD)

	// ActiveModeCommands are the two verbs that open a data connection in
	// active mode (PORT for IPv4, EPRT for IPv6/IPv4). Disable these on a
	// passive-only deployment, e.g. behind NAT or over a transport with no
	// notion of the server dialing out.
	ActiveModeCommands = verbStrings(command.PORT, command.EPRT)

	// WriteCommands are every verb that mutates the backing ClientContext.
	// Disabling this group turns the server read-only without needing a
	// driver-level read-only flag.
	WriteCommands = verbStrings(
		command.STOR, command.APPE, command.STOU, command.DELE,
		command.RMD, command.XRMD, command.MKD, command.XMKD,
		command.RNFR, command.RNTO,
	)

	// SiteCommands gates SITE (and therefore SITE CHMOD) entirely.
	SiteCommands = verbStrings(command.SITE)
)

// verbStrings renders command.Verb constants as the plain strings
// WithDisableCommands compares against (it predates internal/command and
// still takes ...string, so callers passing raw literals keep working).
func verbStrings(verbs ...command.Verb) []string {
	out := make([]string, len(verbs))
	for i, v := range verbs {
		out[i] = string(v)
	}
	return out
}
