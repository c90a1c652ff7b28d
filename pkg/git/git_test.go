package git

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/orcherr"
)

type fakeGateway struct {
	calls   [][]string
	results []comfyexec.Result
	i       int
}

func (f *fakeGateway) Run(_ context.Context, args []string, _ string, _ []string, _ time.Duration) comfyexec.Result {
	f.calls = append(f.calls, args)
	if f.i < len(f.results) {
		r := f.results[f.i]
		f.i++
		return r
	}
	return comfyexec.Result{ExitCode: 0}
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestResolveRefShortCircuitsOnCommit(t *testing.T) {
	gw := &fakeGateway{}
	c := NewCache(gw, testLog(), "https://example.com/repo.git", t.TempDir())
	commit, err := c.ResolveRef(context.Background(), "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", commit)
	require.Empty(t, gw.calls, "no network call expected for an already-resolved commit")
}

func TestResolveRefParsesLsRemote(t *testing.T) {
	gw := &fakeGateway{results: []comfyexec.Result{
		{ExitCode: 0, Stdout: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\tHEAD\n"},
	}}
	c := NewCache(gw, testLog(), "https://example.com/repo.git", t.TempDir())
	commit, err := c.ResolveRef(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", commit)
}

func TestEnsureRepoCacheOfflineMissingFails(t *testing.T) {
	gw := &fakeGateway{}
	c := NewCache(gw, testLog(), "https://example.com/repo.git", t.TempDir()+"/nonexistent")
	err := c.EnsureRepoCache(context.Background(), true)
	require.ErrorIs(t, err, orcherr.OfflineMissingObject)
}

func TestSlugFromRepo(t *testing.T) {
	cases := map[string]string{
		"https://example.com/org/repo.git": "repo",
		"https://example.com/org/repo":     "repo",
		"git@example.com:org/repo.git":     "repo",
	}
	for in, want := range cases {
		require.Equal(t, want, SlugFromRepo(in), in)
	}
}
