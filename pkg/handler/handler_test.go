package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	body []byte
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func TestDecodeRejectsMissingVersionID(t *testing.T) {
	_, err := Decode([]byte(`{"workflow":{}}`))
	require.Error(t, err)
}

func TestDecodeRejectsBothWorkflowForms(t *testing.T) {
	_, err := Decode([]byte(`{"version_id":"t","workflow":{},"workflow_url":"https://x"}`))
	require.Error(t, err)
}

func TestDecodeRejectsNeitherWorkflowForm(t *testing.T) {
	_, err := Decode([]byte(`{"version_id":"t"}`))
	require.Error(t, err)
}

func TestDecodeAcceptsInlineWorkflow(t *testing.T) {
	env, err := Decode([]byte(`{"version_id":"t","workflow":{"graph":{}}}`))
	require.NoError(t, err)
	require.Equal(t, "t", env.VersionID)
}

func TestDecodeAcceptsImagesListForm(t *testing.T) {
	env, err := Decode([]byte(`{"version_id":"t","workflow":{},"images":[{"name":"img1.png","image":"https://host/a.bin"}]}`))
	require.NoError(t, err)
	require.Len(t, env.Images, 1)
	require.Equal(t, "img1.png", env.Images[0].Name)
}

// TestStageAndRewriteUIShapeAndCleanup exercises scenario S6: an images-list request
// against a UI-shape graph whose LoadImage widget holds the original
// filename, followed by cleanup.
func TestStageAndRewriteUIShapeAndCleanup(t *testing.T) {
	engineHome := t.TempDir()
	graph := map[string]interface{}{
		"nodes": []interface{}{
			map[string]interface{}{
				"type":           "LoadImage",
				"widgets_values": []interface{}{"img1.png", "image"},
			},
		},
	}
	data, err := json.Marshal(graph)
	require.NoError(t, err)
	workflowPath := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(workflowPath, data, 0o644))

	req := &Request{
		HTTP:       &fakeDoer{body: []byte("PNGDATA")},
		EngineHome: engineHome,
		RequestID:  "11111111-2222-3333-4444-555555555555",
	}
	env := &Envelope{
		RequestID: req.RequestID,
		VersionID: "t",
		Images:    []ImageRef{{Name: "img1.png", Image: "https://host/a.bin"}},
	}

	mapping, err := req.StageInputs(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mapping, 1)
	unique := mapping["img1.png"]
	require.True(t, strings.HasPrefix(unique, "1111111122223333"))
	require.True(t, strings.HasSuffix(unique, "img1.png"))

	stagedPath := filepath.Join(engineHome, "input", unique)
	staged, err := os.ReadFile(stagedPath)
	require.NoError(t, err)
	require.Equal(t, "PNGDATA", string(staged))

	count, err := RewriteWorkflowFilenames(workflowPath, mapping)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rewritten, err := os.ReadFile(workflowPath)
	require.NoError(t, err)
	require.Contains(t, string(rewritten), unique)
	require.NotContains(t, string(rewritten), `"img1.png"`)

	req.Cleanup(workflowPath)
	_, err = os.Stat(workflowPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(stagedPath)
	require.True(t, os.IsNotExist(err))
}

func TestRewriteAPIShape(t *testing.T) {
	graph := map[string]interface{}{
		"9": map[string]interface{}{
			"class_type": "LoadImage",
			"inputs":     map[string]interface{}{"image": "orig.png"},
		},
	}
	data, err := json.Marshal(graph)
	require.NoError(t, err)
	workflowPath := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(workflowPath, data, 0o644))

	count, err := RewriteWorkflowFilenames(workflowPath, map[string]string{"orig.png": "renamed.png"})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rewritten, err := os.ReadFile(workflowPath)
	require.NoError(t, err)
	require.Contains(t, string(rewritten), "renamed.png")
}

func TestRequestPrefixUsesTimestampWhenNoRequestID(t *testing.T) {
	req := &Request{}
	prefix := req.requestPrefix()
	require.Len(t, prefix, 14)
}

func TestRequestPrefixTruncatesRequestID(t *testing.T) {
	req := &Request{RequestID: "11111111-2222-3333-4444-555555555555"}
	require.Equal(t, "1111111122223333", req.requestPrefix())
}
