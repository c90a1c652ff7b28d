package orcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesOnKindAlone(t *testing.T) {
	err := Wrap(KindGit, "clone failed", errors.New("exit status 128"))
	require.True(t, errors.Is(err, &Error{Kind: KindGit}))
	require.False(t, errors.Is(err, &Error{Kind: KindPip}))
}

func TestIsRejectsEmptyTargetKind(t *testing.T) {
	err := New(KindSpec, "missing field")
	require.False(t, errors.Is(err, &Error{}))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindNoSpace, "writing model", cause)
	require.Contains(t, err.Error(), "writing model")
	require.Contains(t, err.Error(), "disk full")
	require.ErrorIs(t, err, cause)
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(KindNotFound, "version abc not found")
	require.Equal(t, "not_found: version abc not found", err.Error())
}

func TestGitAndPipHelpersCarryStderr(t *testing.T) {
	gitErr := Git("clone", "fatal: repository not found")
	require.Equal(t, KindGit, gitErr.Kind)
	require.Contains(t, gitErr.Error(), "fatal: repository not found")

	pipErr := Pip("install", "No matching distribution found")
	require.Equal(t, KindPip, pipErr.Kind)
	require.Contains(t, pipErr.Error(), "No matching distribution found")
}

func TestChecksumMessage(t *testing.T) {
	err := Checksum("model.safetensors", "abc123", "def456")
	require.Equal(t, KindChecksum, err.Kind)
	require.Contains(t, err.Error(), "model.safetensors")
	require.Contains(t, err.Error(), "abc123")
	require.Contains(t, err.Error(), "def456")
}

func TestEngineCrashedJoinsLogLines(t *testing.T) {
	err := EngineCrashed([]string{"line one", "line two"})
	require.Contains(t, err.Error(), "line one\nline two")
}

func TestTimeoutMessage(t *testing.T) {
	err := Timeout("engine ready")
	require.Equal(t, KindTimeout, err.Kind)
	require.Contains(t, err.Error(), "engine ready")
}

func TestSentinelsAreDistinguishableByKind(t *testing.T) {
	wrapped := Wrap(KindOffline, "no network", nil)
	require.True(t, errors.Is(wrapped, Offline))
	require.False(t, errors.Is(wrapped, NotFound))
}
