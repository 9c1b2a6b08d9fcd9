package tunnel

import (
	"errors"
	"os"
	"strings"
)

// ErrorKind classifies the failures a caller is expected to act on.
type ErrorKind string

const (
	// KindConfiguration means required preferences are missing; nothing was launched.
	KindConfiguration ErrorKind = "configuration"
	// KindLaunch means the OS refused to create the tunnel process.
	KindLaunch ErrorKind = "launch"
)

// Error separates a user-safe message from verbose debug details.
type Error struct {
	Kind     ErrorKind
	UserSafe string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *Error) Unwrap() error { return e.Err }

func configurationError(missing []string) error {
	return &Error{
		Kind:     KindConfiguration,
		UserSafe: "Missing required configuration. Set the DB and bastion details in preferences.",
		Detail:   "missing: " + strings.Join(missing, ", "),
	}
}

func launchError(err error) error {
	return &Error{
		Kind:     KindLaunch,
		UserSafe: "Failed to start gcloud tunnel.",
		Detail:   err.Error(),
		Err:      err,
	}
}

// IsConfiguration reports whether err is a missing-configuration error.
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

// IsLaunch reports whether err is a process creation failure.
func IsLaunch(err error) bool { return isKind(err, KindLaunch) }

func isKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var te *Error
	if errors.As(err, &te) {
		msg = te.Error()
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) && strings.TrimSpace(te.Detail) != "" {
		return te.UserSafe + " (" + te.Detail + ")"
	}
	return err.Error()
}

// RedactMessage replaces the home directory with ~ in user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return strings.ReplaceAll(msg, home, "~")
	}
	return msg
}
