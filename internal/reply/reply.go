// Package reply implements the FTP reply-code vocabulary: the closed set of
// three-digit RFC 959 reply codes, their canonical text, and the category
// each belongs to. It is the currency of every control-channel response the
// server package emits.
package reply

import "fmt"

// Code is a three-digit FTP reply code (100-599).
type Code int

// Category classifies a Code per RFC 959 Section 4.2.
type Category int

const (
	Preliminary Category = iota
	Completion
	Intermediate
	Transient
	Permanent
)

func (c Category) String() string {
	switch c {
	case Preliminary:
		return "preliminary"
	case Completion:
		return "completion"
	case Intermediate:
		return "intermediate"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Category returns the reply category a code belongs to, derived from its
// leading digit. Every valid Code belongs to exactly one category.
func (c Code) Category() Category {
	switch c / 100 {
	case 1:
		return Preliminary
	case 2:
		return Completion
	case 3:
		return Intermediate
	case 4:
		return Transient
	case 5:
		return Permanent
	default:
		return Permanent
	}
}

// Canonical reply codes used by the core. Text is the default message; call
// sites frequently substitute a more specific message via New/Newf while
// keeping the code.
const (
	RestartMarkerReply     Code = 110
	ServiceReadyInMinutes  Code = 120
	DataConnectionAlreadyOpen Code = 125
	FileStatusOK           Code = 150

	CommandOK              Code = 200
	CommandNotImplementedSuperfluous Code = 202
	SystemStatus           Code = 211
	DirectoryStatus        Code = 212
	FileStatus             Code = 213
	HelpMessage            Code = 214
	NameSystemType         Code = 215
	ServiceReady           Code = 220
	ClosingControlConnection Code = 221
	DataConnectionOpen     Code = 225
	ClosingDataConnection  Code = 226
	EnteringPassiveMode    Code = 227
	EnteringLongPassiveMode Code = 228
	EnteringExtendedPassiveMode Code = 229
	UserLoggedIn           Code = 230
	SecurityExchangeOK     Code = 234
	FileActionOK           Code = 250
	PathnameCreated        Code = 257

	UserNameOKNeedPassword Code = 331
	NeedAccountForLogin    Code = 332
	FileActionPending      Code = 350

	ServiceNotAvailable    Code = 421
	CantOpenDataConnection Code = 425
	ConnectionClosedTransferAborted Code = 426
	InvalidLoginCredentials Code = 430
	RequestedHostUnavailable Code = 434
	FileActionNotTaken     Code = 450
	LocalProcessingError   Code = 451
	InsufficientStorage    Code = 452

	SyntaxError            Code = 500
	SyntaxErrorInParameters Code = 501
	CommandNotImplemented  Code = 502
	BadSequenceOfCommands  Code = 503
	ParameterNotImplemented Code = 504
	NotLoggedIn            Code = 530
	NeedAccountForStoringFiles Code = 532
	FileUnavailable        Code = 550
	PageTypeUnknown        Code = 551
	ExceededStorageAllocation Code = 552
	FileNameNotAllowed     Code = 553

	ProtocolNotSupported   Code = 522
)

var canonicalText = map[Code]string{
	RestartMarkerReply:               "Restart marker reply.",
	ServiceReadyInMinutes:             "Service ready in a few minutes.",
	DataConnectionAlreadyOpen:         "Data connection already open; transfer starting.",
	FileStatusOK:                     "File status okay; about to open data connection.",
	CommandOK:                        "Command okay.",
	CommandNotImplementedSuperfluous: "Command not implemented, superfluous at this site.",
	SystemStatus:                     "System status, or system help reply.",
	DirectoryStatus:                  "Directory status.",
	FileStatus:                       "File status.",
	HelpMessage:                      "Help message.",
	NameSystemType:                   "NAME system type.",
	ServiceReady:                     "Service ready for new user.",
	ClosingControlConnection:         "Service closing control connection.",
	DataConnectionOpen:               "Data connection open; no transfer in progress.",
	ClosingDataConnection:            "Closing data connection; requested file action successful.",
	EnteringPassiveMode:              "Entering Passive Mode.",
	EnteringLongPassiveMode:          "Entering Long Passive Mode.",
	EnteringExtendedPassiveMode:      "Entering Extended Passive Mode.",
	UserLoggedIn:                     "User logged in, proceed.",
	SecurityExchangeOK:               "Server accepts authentication method/security mechanism.",
	FileActionOK:                     "Requested file action okay, completed.",
	PathnameCreated:                  "Pathname created.",
	UserNameOKNeedPassword:           "User name okay, need password.",
	NeedAccountForLogin:              "Need account for login.",
	FileActionPending:                "Requested file action pending further information.",
	ServiceNotAvailable:              "Service not available, closing control connection.",
	CantOpenDataConnection:           "Can't open data connection.",
	ConnectionClosedTransferAborted:  "Connection closed; transfer aborted.",
	InvalidLoginCredentials:          "Invalid username or password.",
	RequestedHostUnavailable:         "Requested host unavailable.",
	FileActionNotTaken:               "Requested file action not taken.",
	LocalProcessingError:             "Requested action aborted: local error in processing.",
	InsufficientStorage:              "Requested action not taken; insufficient storage space.",
	SyntaxError:                      "Syntax error, command unrecognized.",
	SyntaxErrorInParameters:          "Syntax error in parameters or arguments.",
	CommandNotImplemented:            "Command not implemented.",
	BadSequenceOfCommands:            "Bad sequence of commands.",
	ParameterNotImplemented:          "Command not implemented for that parameter.",
	NotLoggedIn:                      "Not logged in.",
	NeedAccountForStoringFiles:       "Need account for storing files.",
	FileUnavailable:                  "Requested action not taken; file unavailable.",
	PageTypeUnknown:                  "Requested action aborted: page type unknown.",
	ExceededStorageAllocation:        "Requested file action aborted; exceeded storage allocation.",
	FileNameNotAllowed:               "Requested action not taken; file name not allowed.",
	ProtocolNotSupported:             "Network protocol not supported.",
}

// Text returns the canonical message for a code, or "" if the code is not
// one of the core's recognized codes (callers should still send the code;
// an empty canonical text is not an error).
func Text(code Code) string {
	return canonicalText[code]
}

// Error is the distinguished reply-bearing failure value described by
// spec.md Section 4.1: it carries a (code, message) pair that a command
// handler can raise to short-circuit execution, caught at the dispatcher
// boundary and rendered as the control-channel reply line. It is the
// server-side mirror of the teacher's client-side ProtocolError: there the
// type decodes a reply already received, here it constructs one to send.
type Error struct {
	Code    Code
	Message string
}

// New creates a reply.Error with the canonical text for code.
func New(code Code) *Error {
	return &Error{Code: code, Message: Text(code)}
}

// Newf creates a reply.Error with a custom, formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Is4xx reports whether the error is a transient-negative completion.
func (e *Error) Is4xx() bool { return e.Code >= 400 && e.Code < 500 }

// Is5xx reports whether the error is a permanent-negative completion.
func (e *Error) Is5xx() bool { return e.Code >= 500 && e.Code < 600 }
