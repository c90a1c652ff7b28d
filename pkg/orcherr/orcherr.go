// Package orcherr defines the error taxonomy shared by every stage of the
// resolve-realize-execute pipeline.
package orcherr

import "fmt"

// Kind identifies a class of failure so callers can branch with errors.Is
// without parsing messages.
type Kind string

const (
	KindSpec                Kind = "spec"
	KindOffline             Kind = "offline"
	KindGit                 Kind = "git"
	KindPip                 Kind = "pip"
	KindChecksum            Kind = "checksum"
	KindNoSpace             Kind = "no_space"
	KindAuth                Kind = "auth"
	KindTransport           Kind = "transport"
	KindEngineCrashed       Kind = "engine_crashed"
	KindWorkflow            Kind = "workflow"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindDependencyMissing   Kind = "dependency_missing"
	KindOfflineMissingGit   Kind = "offline_missing_object"
	KindMissingDependencies Kind = "missing_dependencies"
)

// Error is the concrete error type carried through the pipeline. It always
// has a Kind so callers can test with
// errors.Is(err, &orcherr.Error{Kind: orcherr.KindX}) via Is, and wraps an optional underlying cause for %w-style chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &Error{Kind: K}) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values usable with errors.Is(err, orcherr.Offline), etc.
var (
	Offline              = &Error{Kind: KindOffline}
	NotFound             = &Error{Kind: KindNotFound}
	DependencyMissing    = &Error{Kind: KindDependencyMissing}
	OfflineMissingObject = &Error{Kind: KindOfflineMissingGit}
)

// Git builds a *Error carrying the failing git stage and its stderr output.
func Git(stage, stderr string) *Error {
	return &Error{Kind: KindGit, Message: fmt.Sprintf("git %s failed", stage), Cause: fmt.Errorf("%s", stderr)}
}

// Pip builds a *Error carrying the failing pip stage and its stderr output.
func Pip(stage, stderr string) *Error {
	return &Error{Kind: KindPip, Message: fmt.Sprintf("pip %s failed", stage), Cause: fmt.Errorf("%s", stderr)}
}

// Checksum reports a verification mismatch.
func Checksum(name, expected, actual string) *Error {
	return &Error{Kind: KindChecksum, Message: fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", name, expected, actual)}
}

// NoSpace reports a preflight or write-time space shortfall.
func NoSpace(required, available int64, context string) *Error {
	return &Error{Kind: KindNoSpace, Message: fmt.Sprintf("%s: need %d bytes, have %d available", context, required, available)}
}

// EngineCrashed reports an engine process that exited unexpectedly, carrying
// its last log lines for diagnostics.
func EngineCrashed(lastLines []string) *Error {
	return &Error{Kind: KindEngineCrashed, Message: fmt.Sprintf("engine process exited unexpectedly, last log lines:\n%s", joinLines(lastLines))}
}

// Workflow reports an engine-level workflow execution failure.
func Workflow(statusMessage string) *Error {
	return &Error{Kind: KindWorkflow, Message: statusMessage}
}

// Timeout reports a deadline exceeded while waiting on operation.
func Timeout(operation string) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("timed out waiting for %s", operation)}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
