package docker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIRunnerCapturesExit(t *testing.T) {
	runner := NewCLIRunner("sh", time.Second, nil)

	res, err := runner.Run(context.Background(), "", "-c", "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Success())
	assert.Equal(t, "err", res.ErrorText())
}

func TestCLIRunnerSuccess(t *testing.T) {
	runner := NewCLIRunner("sh", time.Second, nil)

	res, err := runner.Run(context.Background(), "", "-c", "echo ok")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "ok\n", res.Stdout)
}

func TestCLIRunnerMissingBinary(t *testing.T) {
	runner := NewCLIRunner("definitely-not-a-binary-xyz", time.Second, nil)

	_, err := runner.Run(context.Background(), "", "version")
	require.Error(t, err)
}

func TestCLIRunnerTimeout(t *testing.T) {
	runner := NewCLIRunner("sh", 50*time.Millisecond, nil)

	// The killed process surfaces as a non-zero exit, not a transport
	// error; callers treat it like any other failed command.
	res, err := runner.Run(context.Background(), "", "-c", "sleep 5")
	require.NoError(t, err)
	assert.False(t, res.Success())
}
