// Package ftp is a small FTP client used by this module's own test suite
// to drive server.Server end to end over a real socket. It is not a
// general-purpose client: it implements exactly the command surface the
// tests exercise, modeled on the control/data connection handling of the
// gonzalop/ftp client this project's server package was built from.
package ftp

import "fmt"

// ProtocolError reports a command that got back a response code the
// caller did not expect, keeping the raw command and server text for
// debugging.
type ProtocolError struct {
	Command  string
	Response string
	Code     int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

func (e *ProtocolError) Is2xx() bool { return e.Code >= 200 && e.Code < 300 }
func (e *ProtocolError) Is4xx() bool { return e.Code >= 400 && e.Code < 500 }
func (e *ProtocolError) Is5xx() bool { return e.Code >= 500 && e.Code < 600 }
