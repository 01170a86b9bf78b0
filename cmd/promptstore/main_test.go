package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command against a snapshot-backed memory store in
// dir. Flag variables are package globals, so they are reset first.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PROMPTSTORE_STORAGE_SNAPSHOT_PATH", filepath.Join(dir, "blobs.json"))
	t.Setenv("PROMPTSTORE_LOG_LEVEL", "error")

	putIfMatch, putIfNoneMatch, rmIfMatch, catalogIfMatch = "", "", "", ""
	cpOverwrite, purgeYes = false, false
	outputFormat = "yaml"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, `{"prompt":"Hello","params":{"temperature":0.5}}`,
		"put", "client/AB12/welcome.json", "-", "-o", "json")
	require.NoError(t, err)
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "prompt", res["kind"])
	assert.NotEmpty(t, res["etag"])

	out, err = run(t, dir, "", "get", "client/AB12/welcome.json", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"prompt": "Hello"`)

	out, err = run(t, dir, "", "get", "client/AB12/welcome.json")
	require.NoError(t, err)
	assert.Contains(t, out, "prompt: Hello")

	_, err = run(t, dir, `{"prompt":"x"}`, "put", "client/AB12/welcome.json", "-", "--if-none-match", "*")
	assert.Error(t, err, "create-only put over an existing key")
}

func TestPutFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"items":[{"file":"b.json","order":2},{"file":"a.json","order":1}]}`), 0o644))

	out, err := run(t, dir, "", "put", "client/AB12/index.json", path)
	require.NoError(t, err)
	assert.Contains(t, out, "kind: index")

	out, err = run(t, dir, "", "catalog", "index", "ab12", "-o", "json")
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "a.json"), strings.Index(out, "b.json"), "items sorted by order")
	assert.Contains(t, out, `"clientId": "AB12"`)
}

func TestListCopyRemovePurge(t *testing.T) {
	dir := t.TempDir()
	for _, k := range []string{"client/AB12/a.json", "client/AB12/b.json"} {
		_, err := run(t, dir, `{"prompt":"x"}`, "put", k, "-")
		require.NoError(t, err)
	}

	_, err := run(t, dir, "", "cp", "client/AB12/a.json", "client/AB12/b.json")
	assert.Error(t, err, "destination exists")
	_, err = run(t, dir, "", "cp", "client/AB12/a.json", "client/AB12/c.json")
	require.NoError(t, err)

	out, err := run(t, dir, "", "ls", "client/AB12/", "-o", "json")
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	assert.Len(t, docs, 3)

	out, err = run(t, dir, "", "rm", "client/AB12/c.json", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": true`)
	out, err = run(t, dir, "", "rm", "client/AB12/c.json", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": false`)

	_, err = run(t, dir, "", "purge", "client/AB12/")
	assert.Error(t, err, "purge needs --yes")

	out, err = run(t, dir, "", "purge", "client/AB12/", "--yes", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": 2`)
}

func TestCatalogCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "", "catalog", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": 1`)

	_, err = run(t, dir, `{"clients":[{"code":"bad"}]}`, "catalog", "set", "-")
	assert.Error(t, err)

	out, err = run(t, dir, `{"clients":[{"code":"ab12","name":"Acme"}]}`, "catalog", "set", "-", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 1`)

	out, err = run(t, dir, "", "catalog")
	require.NoError(t, err)
	assert.Contains(t, out, "code: AB12")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "ls", "-o", "xml")
	assert.Error(t, err)
}
