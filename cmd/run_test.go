package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardnew/usbrwq/pkg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("os/signal.loop"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logger, level := pkg.DefaultLogger, pkg.GetLogLevel()
	t.Cleanup(func() {
		pkg.SetLogger(logger)
		pkg.SetLogLevel(level)
	})

	root := NewRootCommand()
	root.AddCommand(NewRunCommand(), NewDescribeCommand())

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), err
}

func TestRunWorkload(t *testing.T) {
	out, err := execute(t, "run", "--count", "8", "--size", "32", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "completed 16 requests")
	assert.Contains(t, out, "success   16")
	assert.Contains(t, out, "written   256 bytes")
	assert.Contains(t, out, "read      256 bytes")
}

func TestRunSuspendCancelsInFlight(t *testing.T) {
	out, err := execute(t, "run",
		"--count", "4",
		"--size", "16",
		"--loopback-latency", "1m",
		"--suspend-after", "50ms",
		"--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "completed 4 requests")
	assert.Contains(t, out, "cancelled 4")
	assert.Contains(t, out, "written   0 bytes")
}

func TestRunWritesProfiles(t *testing.T) {
	dir := t.TempDir()
	cpu, heap := filepath.Join(dir, "cpu.prof"), filepath.Join(dir, "heap.prof")

	_, err := execute(t, "run", "--count", "2", "--log-level", "error",
		"--cpu-profile", cpu, "--heap-profile", heap)
	require.NoError(t, err)
	assert.FileExists(t, cpu)
	assert.FileExists(t, heap)
}

func TestRunRejectsInvalidWorkload(t *testing.T) {
	_, err := execute(t, "run", "--count", "0")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--max-in-flight", "0")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = execute(t, "run", "--log-format", "xml")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
