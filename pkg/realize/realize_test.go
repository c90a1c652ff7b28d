package realize

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/fetch"
	comfygit "github.com/openshift/comfyctl/pkg/git"
	"github.com/openshift/comfyctl/pkg/layout"
	"github.com/openshift/comfyctl/pkg/spec"
)

// fakeGateway answers every subprocess call with exit 0 and, for venv
// creation, actually lays down a fake interpreter so isExecutable checks
// downstream succeed without a real Python toolchain.
type fakeGateway struct{ calls [][]string }

func (f *fakeGateway) Run(ctx context.Context, args []string, cwd string, env []string, timeout time.Duration) comfyexec.Result {
	f.calls = append(f.calls, args)
	if len(args) >= 3 && args[1] == "-m" && args[2] == "venv" {
		venvDir := args[len(args)-1]
		python := filepath.Join(venvDir, "bin", "python")
		_ = os.MkdirAll(filepath.Dir(python), 0o755)
		_ = os.WriteFile(python, []byte("#!/bin/sh\n"), 0o755)
	}
	return comfyexec.Result{ExitCode: 0}
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func noopPublish(cachePath, targetPath string) (fetch.PublishResult, error) {
	return fetch.PublishPresent, nil
}

type noopFetcher struct{}

func (noopFetcher) EnsureCached(ctx context.Context, source, checksum string, opts fetch.Options) (string, error) {
	return "/cache/" + source, nil
}

func newTestRealizer(t *testing.T, gw Gateway) (*Realizer, *layout.Layout) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("COMFY_CACHE_ROOT", root)
	t.Setenv("COMFY_BUILDS_ROOT", filepath.Join(root, "builds"))
	l, err := layout.Resolve()
	require.NoError(t, err)
	return &Realizer{
		Layout:  l,
		GW:      gw,
		Fetcher: noopFetcher{},
		Publish: noopPublish,
		GitCache: func(repoURL, cacheDir string) *comfygit.Cache {
			return comfygit.NewCache(gw, testLog(), repoURL, cacheDir)
		},
		Log: testLog(),
	}, l
}

func minimalLock() *spec.ResolvedLock {
	return &spec.ResolvedLock{
		SchemaVersion: 2,
		VersionID:     "v1",
		Comfy: spec.ComfyRef{
			Repo:   "https://example.com/comfy.git",
			Commit: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
	}
}

func TestRealizeFastPathSkipsWhenMarkerMatches(t *testing.T) {
	gw := &fakeGateway{}
	r, l := newTestRealizer(t, gw)

	lock := minimalLock()
	engineHome, err := l.EngineHome(lock.VersionID, "")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(engineHome, ".venv", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(engineHome, ".venv", "bin", "python"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(engineHome, "main.py"), []byte(""), 0o644))
	require.NoError(t, WriteMarker(engineHome, SignatureFor(lock)))

	result, err := r.Realize(context.Background(), lock, Options{})
	require.NoError(t, err)
	require.True(t, result.FastPath)
	require.Empty(t, gw.calls, "fast path must not shell out at all")
}

func TestParseRequirementNamesStripsSpecifiersAndMarkers(t *testing.T) {
	body := "requests==2.31.0\ntorch>=2.0,<3 ; platform_system == \"Linux\"\n# comment\n\nnumpy[extra]\n-e git+https://example.com/foo.git\n"
	names := parseRequirementNames(body)
	require.Equal(t, []string{"requests", "torch", "numpy"}, names)
}

func TestWriteExtraModelPathsIncludesModelSubdir(t *testing.T) {
	dir := t.TempDir()
	models := []spec.ModelRef{{Name: "x", TargetSubdir: "loras", TargetPath: "loras/x.safetensors"}}
	require.NoError(t, writeExtraModelPaths(dir, filepath.Join(dir, "models"), models))
	data, err := os.ReadFile(filepath.Join(dir, "extra_model_paths.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "loras:")
	require.Contains(t, string(data), "checkpoints:")
}
