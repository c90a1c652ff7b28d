// Package handler decodes a single request envelope, stages its inputs
// into the engine's input directory under unique filenames, rewrites the
// workflow graph to reference them, and cleans up afterward (spec.md
// §4.9). It is grounded on rp_handler/serverless.py's handler function,
// translated from its single long procedure into the smaller named steps
// below.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openshift/comfyctl/pkg/engine"
	"github.com/openshift/comfyctl/pkg/orcherr"
	"github.com/openshift/comfyctl/pkg/realize"
	"github.com/openshift/comfyctl/pkg/sink"
	"github.com/openshift/comfyctl/pkg/spec"
)

// HTTPDoer downloads workflow_url and input image URLs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Envelope is the decoded request body (spec.md §4.9).
type Envelope struct {
	RequestID   string            `json:"request_id,omitempty"`
	VersionID   string            `json:"version_id"`
	Workflow    json.RawMessage   `json:"workflow,omitempty"`
	WorkflowURL string            `json:"workflow_url,omitempty"`
	InputImages map[string]string `json:"input_images,omitempty"`
	Images      []ImageRef        `json:"images,omitempty"`
	OutputMode  string            `json:"output_mode,omitempty"`
	GCSBucket   string            `json:"gcs_bucket,omitempty"`
	GCSPrefix   string            `json:"gcs_prefix,omitempty"`
}

// ImageRef is one entry of the `images` array form.
type ImageRef struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Decode parses and validates envelope per spec.md §4.9: version_id is
// required, and exactly one of workflow/workflow_url must be set.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, orcherr.Wrap(orcherr.KindSpec, "request body is not valid JSON", err)
	}
	if strings.TrimSpace(env.VersionID) == "" {
		return nil, orcherr.New(orcherr.KindSpec, "version_id is required")
	}
	hasInline := len(env.Workflow) > 0
	hasURL := strings.TrimSpace(env.WorkflowURL) != ""
	if hasInline == hasURL {
		return nil, orcherr.New(orcherr.KindSpec, "exactly one of workflow or workflow_url must be provided")
	}
	return &env, nil
}

// Request drives one envelope through staging, execution hand-off, and
// cleanup. Callers construct one per incoming request.
type Request struct {
	HTTP       HTTPDoer
	EngineHome string
	RequestID  string
}

// requestPrefix is the filename prefix used both for generated input
// filenames and for post-execution cleanup, mirroring
// _generate_unique_filename's request_id truncation.
func (r *Request) requestPrefix() string {
	if r.RequestID == "" {
		return time.Now().UTC().Format("20060102150405")
	}
	id := strings.ReplaceAll(r.RequestID, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

// WriteWorkflowTemp materializes the envelope's workflow (inline or
// downloaded) to a tempfile and returns its path, for the caller to feed
// to the engine and remove afterward.
func (r *Request) WriteWorkflowTemp(ctx context.Context, env *Envelope) (string, error) {
	f, err := os.CreateTemp("", "workflow_*.json")
	if err != nil {
		return "", fmt.Errorf("creating workflow tempfile: %w", err)
	}
	path := f.Name()
	defer f.Close()

	if len(env.Workflow) > 0 {
		if _, err := f.Write(env.Workflow); err != nil {
			return "", fmt.Errorf("writing inline workflow: %w", err)
		}
		return path, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.WorkflowURL, nil)
	if err != nil {
		return "", fmt.Errorf("building workflow_url request: %w", err)
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindTransport, "downloading workflow_url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", orcherr.New(orcherr.KindTransport, fmt.Sprintf("workflow_url returned status %d", resp.StatusCode))
	}
	buf := make([]byte, 0)
	tmp := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	if _, err := f.Write(buf); err != nil {
		return "", fmt.Errorf("writing downloaded workflow: %w", err)
	}
	return path, nil
}

// generateUniqueFilename mirrors _generate_unique_filename: prefix_rand8_name.ext.
func generateUniqueFilename(original, prefix string) string {
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(filepath.Base(original), ext)
	return fmt.Sprintf("%s_%s_%s%s", prefix, uuid.NewString()[:8], stem, ext)
}

// StageInputs downloads every input image named by either input_images or
// images, writing each to <engine_home>/input/<prefix>_<rand8>_<name>, and
// returns the original→unique filename mapping for graph rewriting
// (spec.md §4.9).
func (r *Request) StageInputs(ctx context.Context, env *Envelope) (map[string]string, error) {
	mapping := map[string]string{}
	combined := map[string]string{}
	for name, url := range env.InputImages {
		combined[name] = url
	}
	for _, img := range env.Images {
		if img.Name == "" || img.Image == "" {
			continue
		}
		combined[img.Name] = img.Image
	}
	if len(combined) == 0 {
		return mapping, nil
	}

	inputDir := filepath.Join(r.EngineHome, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating input dir: %w", err)
	}

	prefix := r.requestPrefix()
	for name, url := range combined {
		unique := generateUniqueFilename(name, prefix)
		target := filepath.Join(inputDir, unique)
		if err := r.downloadTo(ctx, url, target); err != nil {
			return nil, fmt.Errorf("downloading input image %q: %w", name, err)
		}
		mapping[name] = unique
	}
	return mapping, nil
}

func (r *Request) downloadTo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "RunPod-ComfyUI/1.0")
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.KindTransport, "requesting "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return orcherr.New(orcherr.KindTransport, fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, url))
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()
	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

// fileNodeAPIField maps the node class_type values whose filename-bearing
// input spec §4.9 names to the API-shape input field that holds it;
// fileNodeUITypes lists the same types for the UI shape, where the filename
// is widgets_values[0].
var fileNodeAPIField = map[string]string{
	"LoadImage":     "image",
	"VHS_LoadVideo": "video",
	"LoadImageMask": "image",
}

var fileNodeUITypes = map[string]bool{
	"LoadImage":     true,
	"VHS_LoadVideo": true,
	"LoadImageMask": true,
}

// RewriteWorkflowFilenames rewrites filename references in workflowPath's
// JSON to their staged unique names, handling both the API (dict-of-nodes)
// and UI (nodes array) graph shapes (spec.md §4.9).
func RewriteWorkflowFilenames(workflowPath string, mapping map[string]string) (int, error) {
	if len(mapping) == 0 {
		return 0, nil
	}
	data, err := os.ReadFile(workflowPath)
	if err != nil {
		return 0, fmt.Errorf("reading workflow for rewrite: %w", err)
	}
	var graph map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return 0, fmt.Errorf("parsing workflow for rewrite: %w", err)
	}

	var count int
	if _, isUI := graph["nodes"]; isUI {
		count = rewriteUIShape(graph, mapping)
	} else {
		count = rewriteAPIShape(graph, mapping)
	}

	out, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshaling rewritten workflow: %w", err)
	}
	if err := os.WriteFile(workflowPath, out, 0o644); err != nil {
		return 0, fmt.Errorf("writing rewritten workflow: %w", err)
	}
	return count, nil
}

func rewriteAPIShape(graph map[string]interface{}, mapping map[string]string) int {
	count := 0
	for _, raw := range graph {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		field, ok := fileNodeAPIField[classType]
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		current, ok := inputs[field].(string)
		if !ok {
			continue
		}
		if unique, ok := mapping[current]; ok {
			inputs[field] = unique
			count++
		}
	}
	return count
}

func rewriteUIShape(graph map[string]interface{}, mapping map[string]string) int {
	count := 0
	nodesRaw, _ := graph["nodes"].([]interface{})
	for _, raw := range nodesRaw {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeType, _ := node["type"].(string)
		if !fileNodeUITypes[nodeType] {
			continue
		}
		widgets, ok := node["widgets_values"].([]interface{})
		if !ok || len(widgets) == 0 {
			continue
		}
		current, ok := widgets[0].(string)
		if !ok {
			continue
		}
		if unique, ok := mapping[current]; ok {
			widgets[0] = unique
			count++
		}
	}
	return count
}

// Cleanup removes the workflow tempfile and every staged input file whose
// name starts with this request's prefix, leaving other requests' input
// files untouched (spec.md §4.9's post-execution cleanup).
func (r *Request) Cleanup(workflowPath string) {
	if workflowPath != "" {
		_ = os.Remove(workflowPath)
	}
	inputDir := filepath.Join(r.EngineHome, "input")
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return
	}
	prefix := r.requestPrefix() + "_"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			_ = os.Remove(filepath.Join(inputDir, entry.Name()))
		}
	}
}

// Realizer is the subset of *realize.Realizer the orchestrator needs,
// narrowed to an interface so tests substitute a fake.
type Realizer interface {
	Realize(ctx context.Context, lock *spec.ResolvedLock, opts realize.Options) (*realize.Result, error)
}

// Supervisor is the subset of *engine.Supervisor the orchestrator drives.
type Supervisor interface {
	Start(ctx context.Context, engineHome, modelsDir string, extraEnv []string) error
	WaitReady(ctx context.Context, timeout time.Duration) error
	Submit(ctx context.Context, graph json.RawMessage) (string, error)
	WaitComplete(ctx context.Context, promptID string, timeout time.Duration) (map[string]map[string][]map[string]interface{}, error)
	Stop(grace time.Duration) error
}

// BucketOpener constructs the GCS bucket handle for output_mode=gcs,
// deferring client construction to the caller since it requires
// credentials this package does not manage.
type BucketOpener func(ctx context.Context, bucket string) (sink.BucketHandle, error)

// Orchestrator wires C6 (realize)->C7 (engine)->C8 (sink) for one incoming
// request, taking a lock the caller has already resolved (C5): the request
// shell itself drives realize and execute rather than assuming a prebuilt
// engine home.
type Orchestrator struct {
	HTTP            HTTPDoer
	Realizer        Realizer
	Supervisor      Supervisor
	OpenBucket      BucketOpener
	ReadyTimeout    time.Duration
	ExecTimeout     time.Duration
	EngineStopGrace time.Duration
}

// Handle runs one request end to end and returns the emitted sink result.
// engineHomeHint/modelsDirHint come from the caller's layout resolution
// for versionID; lock is the already-parsed and resolved spec for that
// version (callers obtain it via pkg/spec.Parse/Resolve before calling
// Handle, since spec resolution does not belong to the handler itself).
func (o *Orchestrator) Handle(ctx context.Context, env *Envelope, lock *spec.ResolvedLock, engineHomeHint, modelsDirHint string) (result *sink.Result, err error) {
	realized, err := o.Realizer.Realize(ctx, lock, realize.Options{
		TargetOverride:    engineHomeHint,
		ModelsDirOverride: modelsDirHint,
		Offline:           lock.Options.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("realizing version %s: %w", env.VersionID, err)
	}

	req := &Request{HTTP: o.HTTP, EngineHome: realized.EngineHome, RequestID: env.RequestID}

	workflowPath, err := req.WriteWorkflowTemp(ctx, env)
	if err != nil {
		return nil, err
	}
	defer req.Cleanup(workflowPath)

	mapping, err := req.StageInputs(ctx, env)
	if err != nil {
		return nil, err
	}
	if _, err := RewriteWorkflowFilenames(workflowPath, mapping); err != nil {
		return nil, err
	}
	graph, err := os.ReadFile(workflowPath)
	if err != nil {
		return nil, fmt.Errorf("reading rewritten workflow: %w", err)
	}

	if err := o.Supervisor.Start(ctx, realized.EngineHome, realized.ModelsDir, nil); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		if stopErr := o.Supervisor.Stop(o.stopGrace()); stopErr != nil && err == nil {
			err = fmt.Errorf("stopping engine: %w", stopErr)
		}
	}()

	if err := o.Supervisor.WaitReady(ctx, o.readyTimeout()); err != nil {
		return nil, fmt.Errorf("waiting for engine readiness: %w", err)
	}

	promptID, err := o.Supervisor.Submit(ctx, json.RawMessage(graph))
	if err != nil {
		return nil, fmt.Errorf("submitting workflow: %w", err)
	}

	outputs, err := o.Supervisor.WaitComplete(ctx, promptID, o.execTimeout())
	if err != nil {
		return nil, fmt.Errorf("waiting for workflow completion: %w", err)
	}

	data, ext, err := engine.Collect(outputs, realized.EngineHome)
	if err != nil {
		return nil, fmt.Errorf("collecting outputs: %w", err)
	}

	return o.emit(ctx, env, data, ext)
}

func (o *Orchestrator) emit(ctx context.Context, env *Envelope, data []byte, ext string) (*sink.Result, error) {
	switch strings.ToLower(env.OutputMode) {
	case "", "base64":
		return sink.Base64(data, ext, "")
	case "gcs":
		if o.OpenBucket == nil {
			return nil, orcherr.New(orcherr.KindSpec, "output_mode gcs requested but no bucket opener is configured")
		}
		bucket := env.GCSBucket
		opts := sink.GCSOptionsFromEnv(bucket, env.GCSPrefix, env.RequestID)
		handle, err := o.OpenBucket(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("opening gcs bucket %q: %w", bucket, err)
		}
		return sink.GCS(ctx, handle, data, ext, opts, time.Now())
	default:
		return nil, orcherr.New(orcherr.KindSpec, "unknown output_mode "+env.OutputMode)
	}
}

func (o *Orchestrator) readyTimeout() time.Duration {
	if o.ReadyTimeout > 0 {
		return o.ReadyTimeout
	}
	return 60 * time.Second
}

func (o *Orchestrator) execTimeout() time.Duration {
	if o.ExecTimeout > 0 {
		return o.ExecTimeout
	}
	return 5 * time.Minute
}

func (o *Orchestrator) stopGrace() time.Duration {
	if o.EngineStopGrace > 0 {
		return o.EngineStopGrace
	}
	return 10 * time.Second
}
