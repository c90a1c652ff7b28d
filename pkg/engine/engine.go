// Package engine supervises the engine child process: it starts the
// binary, polls its loopback HTTP API until ready, submits workflow
// graphs, waits for completion, and collects output files (spec.md §4.7).
// One Supervisor owns exactly one child; callers serialize submissions.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/orcherr"
)

// State is one node of the supervisor's state machine (spec.md §4.7).
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateBusy     State = "BUSY"
	StateDrained  State = "DRAINED"
)

const (
	listenAddr = "127.0.0.1"
	listenPort = "8188"
	baseURL    = "http://" + listenAddr + ":" + listenPort
)

// Spawner is the subset of pkg/exec.Gateway the supervisor needs.
type Spawner interface {
	Spawn(ctx context.Context, args []string, cwd string, env []string) (*comfyexec.Handle, error)
	Terminate(h *comfyexec.Handle, grace time.Duration) error
}

// HTTPDoer is the HTTP surface the supervisor polls the engine through.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Supervisor manages a single engine child process and its HTTP API.
type Supervisor struct {
	GW      Spawner
	HTTP    HTTPDoer
	Log     *logrus.Entry
	Binary  string
	BaseURL string // defaults to http://127.0.0.1:8188; overridable in tests.

	state  State
	handle *comfyexec.Handle
}

// New constructs a Supervisor bound to an already-resolved interpreter path
// (typically <engine_home>/.venv/bin/python); Start appends
// <engine_home>/main.py and the listen flags to it.
func New(gw Spawner, httpClient HTTPDoer, log *logrus.Entry, binary string) *Supervisor {
	return &Supervisor{GW: gw, HTTP: httpClient, Log: log, Binary: binary, BaseURL: baseURL, state: StateStopped}
}

// State reports the supervisor's current state machine node.
func (s *Supervisor) State() State { return s.state }

// Start spawns the engine binary bound to the loopback listener, per
// spec.md §4.7's start operation.
func (s *Supervisor) Start(ctx context.Context, engineHome, modelsDir string, extraEnv []string) error {
	args := []string{s.Binary, filepath.Join(engineHome, "main.py"), "--listen", listenAddr, "--port", listenPort, "--disable-auto-launch"}
	env := append([]string{
		"COMFY_HOME=" + engineHome,
		"MODELS_DIR=" + modelsDir,
	}, extraEnv...)
	env = append(env, os.Environ()...)
	h, err := s.GW.Spawn(ctx, args, engineHome, env)
	if err != nil {
		return fmt.Errorf("spawning engine process: %w", err)
	}
	s.handle = h
	s.state = StateStarting
	return nil
}

// WaitReady polls the engine's loopback API until it answers 200 OK on both
// `/` and `/queue`, or timeout elapses, or the child exits early (spec.md
// §4.7's wait_ready).
func (s *Supervisor) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if s.processExited() {
			return orcherr.EngineCrashed(s.handle.Log.Snapshot())
		}
		if s.probeReady(ctx) {
			s.state = StateRunning
			return nil
		}
		if time.Now().After(deadline) {
			return orcherr.Timeout("engine to become ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) processExited() bool {
	return s.handle.Cmd.ProcessState != nil
}

func (s *Supervisor) probeReady(ctx context.Context) bool {
	for _, path := range []string{"/", "/queue"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path, nil)
		if err != nil {
			return false
		}
		resp, err := s.HTTP.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
	}
	return true
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts a workflow graph to /prompt and returns its prompt_id
// (spec.md §4.7's submit).
func (s *Supervisor) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": "runpod_handler",
	})
	if err != nil {
		return "", fmt.Errorf("marshaling submit body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindTransport, "submitting workflow", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindTransport, "reading submit response", err)
	}
	if resp.StatusCode >= 300 {
		return "", orcherr.New(orcherr.KindWorkflow, fmt.Sprintf("submit rejected with status %d: %s", resp.StatusCode, string(data)))
	}
	var parsed submitResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", orcherr.Wrap(orcherr.KindWorkflow, "parsing submit response", err)
	}
	if parsed.PromptID == "" {
		return "", orcherr.New(orcherr.KindWorkflow, "submit response carried no prompt_id")
	}
	s.state = StateBusy
	return parsed.PromptID, nil
}

// historyEntry is the subset of /history/<id>'s response shape needed to
// detect terminal status and collect node outputs.
type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Messages  []interface{} `json:"messages"`
	} `json:"status"`
	Outputs map[string]map[string][]map[string]interface{} `json:"outputs"`
}

// WaitComplete polls /history/<id> until a terminal status, per spec.md
// §4.7's wait_complete: transient connection/parse failures are retried
// silently until the outer deadline.
func (s *Supervisor) WaitComplete(ctx context.Context, promptID string, timeout time.Duration) (map[string]map[string][]map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		entry, ok := s.pollHistory(ctx, promptID)
		if ok {
			switch entry.Status.StatusStr {
			case "success":
				s.state = StateDrained
				return entry.Outputs, nil
			case "error":
				s.state = StateDrained
				return nil, orcherr.Workflow(fmt.Sprintf("%v", entry.Status.Messages))
			}
		}
		if time.Now().After(deadline) {
			return nil, orcherr.Timeout("workflow completion")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) pollHistory(ctx context.Context, promptID string) (*historyEntry, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, false // connection reset: transient, retry silently.
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	var wrapper map[string]historyEntry
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, false // partial JSON: transient, retry silently.
	}
	entry, ok := wrapper[promptID]
	if !ok {
		return nil, false
	}
	return &entry, true
}

// descriptorFilename returns the value of the first descriptor field whose
// key contains "filename" (case-insensitively), since node output dicts are
// not restricted to a fixed set of keys or field names (spec.md §4.7's
// collect operation, per SPEC_FULL.md §10's resolution of the output
// enumeration question).
func descriptorFilename(descriptor map[string]interface{}) string {
	for key, value := range descriptor {
		if !strings.Contains(strings.ToLower(key), "filename") {
			continue
		}
		if name, ok := value.(string); ok && name != "" {
			return name
		}
	}
	return ""
}

// Collect walks every node's outputs for every file descriptor, regardless
// of the output key's name, concatenates their bytes, and reports the
// extension of the first file found, falling back to ".bin" (spec.md
// §4.7's collect).
func Collect(outputs map[string]map[string][]map[string]interface{}, engineHome string) ([]byte, string, error) {
	var buf bytes.Buffer
	ext := ""
	for _, nodeOutputs := range outputs {
		for _, descriptors := range nodeOutputs {
			for _, descriptor := range descriptors {
				filename := descriptorFilename(descriptor)
				if filename == "" {
					continue
				}
				subdir, _ := descriptor["subfolder"].(string)
				path := filepath.Join(engineHome, "output", subdir, filename)
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, "", fmt.Errorf("reading engine output %s: %w", path, err)
				}
				if ext == "" {
					ext = filepath.Ext(filename)
				}
				buf.Write(data)
			}
		}
	}
	if ext == "" {
		ext = ".bin"
	}
	return buf.Bytes(), ext, nil
}

// Stop terminates the engine child, per spec.md §4.7's stop operation.
func (s *Supervisor) Stop(grace time.Duration) error {
	if s.handle == nil {
		s.state = StateStopped
		return nil
	}
	err := s.GW.Terminate(s.handle, grace)
	s.state = StateStopped
	return err
}
