package lexicon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postSchema = `{
	"type": "object",
	"required": ["text", "createdAt"],
	"properties": {
		"text": {"type": "string", "maxLength": 300},
		"createdAt": {"type": "string"}
	}
}`

const likeSchema = `{
	"type": "object",
	"required": ["subject"],
	"properties": {"subject": {"type": "object", "required": ["uri"]}}
}`

func writeSchema(t *testing.T, dir, nsid, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, nsid+".json"), []byte(body), 0o644))
}

func TestLoadDirValidatesRecords(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "app.bsky.feed.post", postSchema)
	writeSchema(t, dir, "app.bsky.feed.like", likeSchema)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	reg, err := LoadDir(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"app.bsky.feed.like", "app.bsky.feed.post"}, reg.Collections())

	assert.NoError(t, reg.Validate("app.bsky.feed.post", json.RawMessage(`{"text":"hi","createdAt":"2024-01-01T00:00:00Z"}`)))
	assert.Error(t, reg.Validate("app.bsky.feed.post", json.RawMessage(`{"text":1}`)))
	assert.Error(t, reg.Validate("app.bsky.feed.like", json.RawMessage(`{"subject":{}}`)))
	assert.NoError(t, reg.Validate("app.bsky.graph.follow", json.RawMessage(`{}`)), "unknown collections pass by default")
}

func TestRequireSchemaRejectsUnknownCollections(t *testing.T) {
	reg := NewRegistry(Options{RequireSchema: true})
	require.NoError(t, reg.Register("app.bsky.feed.like", []byte(likeSchema)))

	err := reg.Validate("app.bsky.graph.follow", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCollection)
	assert.NoError(t, reg.Validate("app.bsky.feed.like", json.RawMessage(`{"subject":{"uri":"at://x"}}`)))
}

func TestReloadKeepsPreviousSchemasOnError(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "app.bsky.feed.post", postSchema)
	reg, err := LoadDir(dir, Options{})
	require.NoError(t, err)

	writeSchema(t, dir, "app.bsky.feed.like", `{"type": 12}`)
	assert.Error(t, reg.Reload())
	assert.Equal(t, []string{"app.bsky.feed.post"}, reg.Collections())
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry(Options{})
	assert.Error(t, reg.Register("app.bsky.feed.post", []byte(`not json`)))
	assert.Error(t, reg.Register("", []byte(postSchema)))
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "app.bsky.feed.post", postSchema)
	reg, err := LoadDir(dir, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan error, 8)
	done := make(chan error, 1)
	go func() { done <- reg.watch(ctx, 10*time.Millisecond, func(err error) { reloads <- err }) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeSchema(t, dir, "app.bsky.feed.like", likeSchema)

	select {
	case err := <-reloads:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload after writing a schema")
	}
	assert.Contains(t, reg.Collections(), "app.bsky.feed.like")

	cancel()
	require.NoError(t, <-done)
}
