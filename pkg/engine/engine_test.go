package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
)

type fakeSpawner struct{ terminated bool }

func (f *fakeSpawner) Spawn(ctx context.Context, args []string, cwd string, env []string) (*comfyexec.Handle, error) {
	cmd := exec.CommandContext(ctx, "sleep", "30")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &comfyexec.Handle{Cmd: cmd, Log: comfyexec.NewRingBuffer(20)}, nil
}

func (f *fakeSpawner) Terminate(h *comfyexec.Handle, grace time.Duration) error {
	f.terminated = true
	_ = h.Cmd.Process.Kill()
	_, _ = h.Cmd.Process.Wait()
	return nil
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestWaitReadySucceedsOnFirst200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := New(&fakeSpawner{}, srv.Client(), testLog(), "python3")
	sup.BaseURL = srv.URL
	require.NoError(t, sup.Start(context.Background(), t.TempDir(), t.TempDir(), nil))

	err := sup.WaitReady(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateRunning, sup.State())
}

func TestCollectConcatenatesFilesAndPicksFirstExtension(t *testing.T) {
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "a.png"), []byte("AAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "b.png"), []byte("BBB"), 0o644))

	outputs := map[string]map[string][]map[string]interface{}{
		"9": {
			"images": []map[string]interface{}{
				{"filename": "a.png", "subfolder": ""},
				{"filename": "b.png", "subfolder": ""},
			},
		},
	}
	data, ext, err := Collect(outputs, dir)
	require.NoError(t, err)
	require.Equal(t, ".png", ext)
	require.Equal(t, "AAABBB", string(data))
}

func TestCollectMatchesAnyFieldNameContainingFilename(t *testing.T) {
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "clip.mp4"), []byte("VIDEO"), 0o644))

	outputs := map[string]map[string][]map[string]interface{}{
		"12": {
			"custom_outputs": []map[string]interface{}{
				{"my_Filename": "clip.mp4", "subfolder": ""},
			},
		},
	}
	data, ext, err := Collect(outputs, dir)
	require.NoError(t, err)
	require.Equal(t, ".mp4", ext)
	require.Equal(t, "VIDEO", string(data))
}

func TestCollectFallsBackToBinExtension(t *testing.T) {
	data, ext, err := Collect(map[string]map[string][]map[string]interface{}{}, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, ".bin", ext)
	require.Empty(t, data)
}

func TestSubmitParsesPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "runpod_handler", body["client_id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc-123"})
	}))
	defer srv.Close()

	sup := New(&fakeSpawner{}, srv.Client(), testLog(), "python3")
	sup.BaseURL = srv.URL
	sup.state = StateRunning
	id, err := sup.Submit(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, "abc-123", id)
	require.Equal(t, StateBusy, sup.State())
}

func TestWaitCompleteReturnsOutputsOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := historyEntry{
			Outputs: map[string]map[string][]map[string]interface{}{
				"9": {"images": []map[string]interface{}{{"filename": "x.png"}}},
			},
		}
		entry.Status.StatusStr = "success"
		resp := map[string]historyEntry{"p1": entry}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	sup := New(&fakeSpawner{}, srv.Client(), testLog(), "python3")
	sup.BaseURL = srv.URL
	outputs, err := sup.WaitComplete(context.Background(), "p1", 5*time.Second)
	require.NoError(t, err)
	require.Contains(t, outputs, "9")
}

func TestStopTerminatesHandle(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(spawner, http.DefaultClient, testLog(), "python3")
	require.NoError(t, sup.Start(context.Background(), t.TempDir(), t.TempDir(), nil))
	require.NoError(t, sup.Stop(time.Second))
	require.True(t, spawner.terminated)
	require.Equal(t, StateStopped, sup.State())
}
