// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/testutil"
	"github.com/ManuGH/streamrec/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func memoryConfig(t *testing.T) string {
	return writeFile(t, "config.yaml", `dataDir: `+t.TempDir()+`
storage:
  backend: memory
ledger:
  backend: memory
streams:
  - name: cam1
    url: rtsp://cam.local/stream
`)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.String()+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "--config", memoryConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid: 1 stream(s), storage=memory, ledger=memory")
	assert.NotContains(t, out, "storage reachable")
}

func TestValidateCommand_Probe(t *testing.T) {
	out, err := execute(t, "validate", "--config", memoryConfig(t), "--probe")
	require.NoError(t, err)
	assert.Contains(t, out, "storage reachable")
}

func TestValidateCommand_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.yaml", "dataDir: "+t.TempDir()+"\nbogus: true\n")
	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration error")
}

func TestValidateCommand_ExampleConfig(t *testing.T) {
	t.Setenv("STREAMREC_DATA_DIR", t.TempDir())
	path := filepath.Join(testutil.MustRepoRoot(t), "config.example.yaml")

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 stream(s), storage=s3, ledger=sqlite")
}

func TestEnvFileIsLoaded(t *testing.T) {
	const key = "STREAMREC_CLI_TEST_LEVEL"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	envFile := writeFile(t, ".env", key+"=debug\n")

	_, err := execute(t, "--env-file", envFile, "version")
	require.NoError(t, err)
	assert.Equal(t, "debug", os.Getenv(key))

	_, err = execute(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "version")
	require.Error(t, err)
}

func seedLedger(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	store, err := ledger.Open(ctx, "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, store.PutDeadLetter(ctx, ledger.DeadLetter{
		ID:        "dl-1",
		Stream:    "cam1",
		Sequence:  4,
		Key:       "cam1/2025-06-01/20250601T120000Z_4.ts",
		Attempts:  6,
		Kind:      ledger.KindExhausted,
		Error:     "connection reset",
		LocalPath: "/tmp/dl-1.seg",
		Bytes:     1024,
		CreatedAt: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Close())
	return path
}

func TestDeadLettersListAndDelete(t *testing.T) {
	path := seedLedger(t)

	out, err := execute(t, "deadletters", "list", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "dl-1")
	assert.Contains(t, out, "cam1/2025-06-01/20250601T120000Z_4.ts")

	out, err = execute(t, "deadletters", "list", "--path", path, "--json")
	require.NoError(t, err)
	var items []ledger.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, uint64(4), items[0].Sequence)

	out, err = execute(t, "deadletters", "delete", "dl-1", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted dl-1")

	_, err = execute(t, "deadletters", "delete", "dl-1", "--path", path)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	out, err = execute(t, "deadletters", "list", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no dead letters")
}

func TestDeadLettersList_MemoryLedgerRejected(t *testing.T) {
	_, err := execute(t, "deadletters", "list", "--config", memoryConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory ledger")
}

func TestLedgerVerify(t *testing.T) {
	path := seedLedger(t)

	out, err := execute(t, "ledger", "verify", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ledger ok (quick check)")

	out, err = execute(t, "ledger", "verify", "--path", path, "--full")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger ok (full check)")

	_, err = execute(t, "ledger", "verify", "--path", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
}

func TestHealthcheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := execute(t, "healthcheck", "--addr", addr, "--mode", "live")
	require.NoError(t, err)
	assert.Contains(t, out, "healthcheck successful (live)")

	_, err = execute(t, "healthcheck", "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = execute(t, "healthcheck", "--addr", addr, "--mode", "bogus")
	require.Error(t, err)
}
