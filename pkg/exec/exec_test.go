package exec

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testGateway() *Gateway {
	log := logrus.NewEntry(logrus.New())
	return New(log)
}

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	g := testGateway()
	res := g.Run(context.Background(), []string{"sh", "-c", "echo hello; exit 0"}, "", nil, 0)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello")
}

func TestRunNonZeroExit(t *testing.T) {
	g := testGateway()
	res := g.Run(context.Background(), []string{"sh", "-c", "echo oops 1>&2; exit 3"}, "", nil, 0)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stderr, "oops")
}

func TestRunMissingExecutable(t *testing.T) {
	g := testGateway()
	res := g.Run(context.Background(), []string{"this-binary-does-not-exist-xyz"}, "", nil, 0)
	require.Equal(t, -1, res.ExitCode)
	require.NotEmpty(t, res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	g := testGateway()
	res := g.Run(context.Background(), []string{"sh", "-c", "sleep 5"}, "", nil, 50*time.Millisecond)
	require.Equal(t, -1, res.ExitCode)
	require.Contains(t, res.Stderr, "timed out")
}

func TestSpawnAndTerminateLeavesNoZombie(t *testing.T) {
	g := testGateway()
	h, err := g.Spawn(context.Background(), []string{"sh", "-c", "trap 'exit 0' TERM; while true; do sleep 0.1; done"}, "", nil)
	require.NoError(t, err)

	err = g.Terminate(h, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, h.Cmd.ProcessState)
}

func TestRingBufferTruncates(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		rb.Add(l)
	}
	require.Equal(t, []string{"c", "d", "e"}, rb.Snapshot())
}
