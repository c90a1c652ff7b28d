package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveHonorsCacheRootEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COMFY_CACHE_ROOT", dir)
	t.Setenv("RUNPOD_COMFY_CACHE", "")
	t.Setenv("COMFY_CACHE", "")

	l, err := Resolve()
	require.NoError(t, err)
	require.Equal(t, dir, l.CacheRoot)
}

func TestResolveFallsBackToXDGCacheHome(t *testing.T) {
	t.Setenv("COMFY_CACHE_ROOT", "")
	t.Setenv("RUNPOD_COMFY_CACHE", "")
	t.Setenv("COMFY_CACHE", "")
	xdg := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", xdg)

	l, err := Resolve()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(xdg, "runpod-comfy"), l.CacheRoot)
}

func TestSubdirectoriesAreCreated(t *testing.T) {
	l := &Layout{CacheRoot: t.TempDir()}

	models, err := l.Models()
	require.NoError(t, err)
	require.DirExists(t, models)

	nodes, err := l.CustomNodes()
	require.NoError(t, err)
	require.DirExists(t, nodes)

	comfy, err := l.Comfy()
	require.NoError(t, err)
	require.DirExists(t, comfy)

	resolved, err := l.Resolved()
	require.NoError(t, err)
	require.DirExists(t, resolved)
}

func TestResolvedLockPath(t *testing.T) {
	l := &Layout{CacheRoot: t.TempDir()}
	path, err := l.ResolvedLockPath("abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123.lock.json", filepath.Base(path))
}

func TestEngineHomeHonorsOverride(t *testing.T) {
	l := &Layout{CacheRoot: t.TempDir()}
	override := filepath.Join(t.TempDir(), "custom-home")

	home, err := l.EngineHome("v1", override)
	require.NoError(t, err)
	require.Equal(t, override, home)
	require.DirExists(t, home)
}

func TestModelsDirHonorsOverrideBeforeEnv(t *testing.T) {
	l := &Layout{CacheRoot: t.TempDir()}
	override := filepath.Join(t.TempDir(), "custom-models")
	t.Setenv("MODELS_DIR", filepath.Join(t.TempDir(), "env-models"))

	dir, err := l.ModelsDir(filepath.Join(t.TempDir(), "engine-home"), override)
	require.NoError(t, err)
	require.Equal(t, override, dir)
}

func TestModelsDirFallsBackToEngineHomeSubdir(t *testing.T) {
	l := &Layout{CacheRoot: t.TempDir()}
	t.Setenv("MODELS_DIR", "")
	engineHome := t.TempDir()

	dir, err := l.ModelsDir(engineHome, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(engineHome, "models"), dir)
}
