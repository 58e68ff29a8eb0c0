package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
)

type fakeStreamer struct {
	got     completion.Request
	results []string
	failure string
}

func (f *fakeStreamer) Stream(_ context.Context, req completion.Request, l completion.Listener) {
	f.got = req
	full := ""
	for _, r := range f.results {
		full += r
		l.OnFragment(r)
	}
	if f.failure != "" {
		l.OnFailure(f.failure)
		return
	}
	l.OnComplete(full)
}

func TestRunPrintsFragments(t *testing.T) {
	client := &fakeStreamer{results: []string{"H", "i", "!"}}
	var out bytes.Buffer

	err := run(context.Background(), client, &options{message: "Hi", key: "sk-x", model: "gpt-4o"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Hi!\n", out.String())
	assert.Equal(t, "sk-x", client.got.Credential)
	assert.Equal(t, "gpt-4o", client.got.Model)
}

func TestRunReturnsFailure(t *testing.T) {
	client := &fakeStreamer{failure: "API key is not set"}

	err := run(context.Background(), client, &options{message: "Hi"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is not set")
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	client := &fakeStreamer{}

	err := run(context.Background(), client, &options{message: " "}, &bytes.Buffer{})
	assert.Error(t, err)
	assert.Equal(t, "", client.got.UserMessage)
}

func TestLoadEnvReadsKeyFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("OPENAI_API_KEY", "")
	require.NoError(t, os.Unsetenv("OPENAI_API_KEY"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=sk-from-dotenv\n"), 0o600))

	opts := &options{}
	loadEnv(opts)

	assert.Equal(t, "sk-from-dotenv", opts.key)
}

func TestLoadEnvKeepsFlagKey(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-env")

	opts := &options{key: "sk-flag"}
	loadEnv(opts)

	assert.Equal(t, "sk-flag", opts.key)
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
