package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE", "memory")
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("LOCAL_STORAGE_ROOT", t.TempDir())

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"job_id":"j1"`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)

	l, err := parseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}

func TestStatus_ListsActiveJobs(t *testing.T) {
	out, err := run(t, "status", "--owner", "alice")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestStatus_WaitNeedsIDs(t *testing.T) {
	_, err := run(t, "status", "--owner", "alice", "--wait")
	assert.ErrorContains(t, err, "--wait needs --ids")
}

func TestWorker_RequiresJobID(t *testing.T) {
	_, err := run(t, "worker")
	assert.ErrorContains(t, err, "job-id")
}

func TestSweep_EmptyStore(t *testing.T) {
	out, err := run(t, "sweep", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, `"skipped": 0`)
}

func TestMigrate_MemoryStoreIsNoop(t *testing.T) {
	_, err := run(t, "migrate")
	assert.NoError(t, err)
}
