package spec

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const minimalSpec = `{
  "schema_version": 2,
  "version_id": "t",
  "comfy": {"repo": "https://example.com/comfy.git", "commit": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
  "custom_nodes": [],
  "models": []
}`

func TestParseMinimalSpec(t *testing.T) {
	s, err := Parse([]byte(minimalSpec))
	require.NoError(t, err)
	require.Equal(t, "t", s.VersionID)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", s.Comfy.Commit)
}

func TestParseRejectsWrongSchemaVersion(t *testing.T) {
	_, err := Parse([]byte(`{"schema_version": 1, "version_id": "t", "comfy": {"repo": "x"}}`))
	require.Error(t, err)
}

func TestParseRejectsMissingRepo(t *testing.T) {
	_, err := Parse([]byte(`{"schema_version": 2, "version_id": "t", "comfy": {"repo": ""}}`))
	require.Error(t, err)
}

func TestParseRejectsUnknownOptionKey(t *testing.T) {
	_, err := Parse([]byte(`{"schema_version": 2, "version_id": "t", "comfy": {"repo": "x"}, "options": {"bogus": true}}`))
	require.Error(t, err)
}

func TestParseCoercesStringBooleans(t *testing.T) {
	s, err := Parse([]byte(`{"schema_version": 2, "version_id": "t", "comfy": {"repo": "x"}, "options": {"offline": "true", "skip_models": "0"}}`))
	require.NoError(t, err)
	require.True(t, s.Options.Offline)
	require.False(t, s.Options.SkipModels)
}

func TestParseIsIdempotentThroughSerialize(t *testing.T) {
	s, err := Parse([]byte(minimalSpec))
	require.NoError(t, err)

	lock, err := Resolve(context.Background(), s, nil, false, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	data, err := Marshal(lock)
	require.NoError(t, err)

	again, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, lock, again)
}

type fakeResolver struct{ commit string }

func (f fakeResolver) ResolveRef(context.Context, string) (string, error) { return f.commit, nil }

func TestResolveDerivesNodeNameAndModelTarget(t *testing.T) {
	raw := `{
      "schema_version": 2,
      "version_id": "t",
      "comfy": {"repo": "https://example.com/comfy.git", "commit": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
      "custom_nodes": [{"repo": "https://example.com/org/my-node.git", "commit": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}],
      "models": [{"source": "https://example.com/model.safetensors", "name": "model.safetensors", "target_subdir": "checkpoints"}]
    }`
	s, err := Parse([]byte(raw))
	require.NoError(t, err)

	lock, err := Resolve(context.Background(), s, func(string) RefResolver { return fakeResolver{} }, false, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	require.Equal(t, "my-node", lock.CustomNodes[0].Name)
	require.Equal(t, "checkpoints/model.safetensors", lock.Models[0].TargetPath)
}

func TestResolveOfflineMissingCommitWarnsAndContinues(t *testing.T) {
	raw := `{
      "schema_version": 2,
      "version_id": "t",
      "comfy": {"repo": "https://example.com/comfy.git"},
      "options": {"offline": true}
    }`
	s, err := Parse([]byte(raw))
	require.NoError(t, err)

	lock, err := Resolve(context.Background(), s, func(string) RefResolver { return fakeResolver{} }, false, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	require.Empty(t, lock.Comfy.Commit)
	require.True(t, lock.Options.Offline)
}
