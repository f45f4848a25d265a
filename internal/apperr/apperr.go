// Package apperr defines the structured error taxonomy shared by the
// provisioning, inference, and orchestration layers. Raw errors are
// classified into a Kind exactly once, at the boundary where they are
// caught, and travel as *Error from there on.
package apperr

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind is the closed set of error categories.
type Kind string

const (
	KindInstallation Kind = "installation_error"
	KindGeneration   Kind = "generation_error"
	KindToolkit      Kind = "toolkit_error"
	KindNetwork      Kind = "network_error"
	KindPermission   Kind = "permission_error"
	KindDisk         Kind = "disk_error"
	KindAPI          Kind = "api_error"
	KindUnknown      Kind = "unknown_error"
)

// Error is a classified error record. Provider and Stage narrow where the
// failure occurred; the remaining fields drive recovery options offered to
// the user.
type Error struct {
	Kind     Kind
	Provider string
	Stage    string
	Message  string

	// NeedsBuildTools marks an installation that was refused because the
	// compiler toolchain is absent.
	NeedsBuildTools bool

	// CanRetry is false when retrying without user intervention cannot
	// succeed (elevation required, toolchain missing).
	CanRetry bool

	// RemediationURL points at an external download when the fix lives
	// outside the application (GPU toolkit, build tools).
	RemediationURL string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		if e.Stage != "" {
			b.WriteString("/")
			b.WriteString(e.Stage)
		}
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a retryable error of the given kind.
func New(kind Kind, provider, stage, message string) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Stage:    stage,
		Message:  message,
		CanRetry: kind != KindPermission,
	}
}

// Wrap classifies err and attaches provider/stage context. A nil err
// returns nil. An err that is already an *Error keeps its kind and gains
// provider/stage only where unset.
func Wrap(err error, provider, stage string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		out := *ae
		if out.Provider == "" {
			out.Provider = provider
		}
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	kind := Classify(err)
	return &Error{
		Kind:     kind,
		Provider: provider,
		Stage:    stage,
		CanRetry: kind != KindPermission,
		Err:      err,
	}
}

// Classify maps a raw error onto the taxonomy. Permission and disk-space
// failures are recognized from the OS error chain; network failures from
// the net error types; everything else is unknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return KindPermission
	}
	if errors.Is(err, syscall.ENOSPC) {
		return KindDisk
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Toolkit builds a toolkit_error carrying a remediation URL. Toolkit
// failures route to their own recovery state, so they are never retryable
// as-is.
func Toolkit(provider, stage, message, remediationURL string) *Error {
	return &Error{
		Kind:           KindToolkit,
		Provider:       provider,
		Stage:          stage,
		Message:        message,
		RemediationURL: remediationURL,
		CanRetry:       false,
	}
}

// BuildTools builds the distinguished "needs build tools" installation
// failure raised before any expensive pipeline step runs.
func BuildTools(provider, remediationURL string) *Error {
	return &Error{
		Kind:            KindInstallation,
		Provider:        provider,
		Stage:           "prerequisites",
		Message:         "compiler build tools are not installed",
		NeedsBuildTools: true,
		RemediationURL:  remediationURL,
		CanRetry:        false,
	}
}
