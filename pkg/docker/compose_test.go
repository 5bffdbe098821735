package docker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner captures invocations and answers with a fixed result.
type recordingRunner struct {
	calls [][]string
	dirs  []string
	res   *Result
}

func (r *recordingRunner) Run(ctx context.Context, dir string, args ...string) (*Result, error) {
	r.calls = append(r.calls, args)
	r.dirs = append(r.dirs, dir)
	if r.res != nil {
		return r.res, nil
	}
	return &Result{ExitCode: 0}, nil
}

func TestComposeCommands(t *testing.T) {
	runner := &recordingRunner{}
	compose := NewCompose(runner)
	ctx := context.Background()

	_, err := compose.Up(ctx, "/proj")
	require.NoError(t, err)
	_, err = compose.Stop(ctx, "/proj")
	require.NoError(t, err)
	_, err = compose.Down(ctx, "/proj", true)
	require.NoError(t, err)
	_, err = compose.Exec(ctx, "/proj", "app", "npm run build")
	require.NoError(t, err)

	require.Len(t, runner.calls, 4)
	assert.Equal(t, []string{"compose", "up", "-d"}, runner.calls[0])
	assert.Equal(t, []string{"compose", "stop"}, runner.calls[1])
	assert.Equal(t, []string{"compose", "down", "-v"}, runner.calls[2])
	assert.Equal(t, []string{"compose", "exec", "-T", "app", "sh", "-c", "npm run build"}, runner.calls[3])
	assert.Equal(t, "/proj", runner.dirs[0])
}

func TestComposeDownWithoutVolumes(t *testing.T) {
	runner := &recordingRunner{}
	_, err := NewCompose(runner).Down(context.Background(), "/proj", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"compose", "down"}, runner.calls[0])
}

func TestImagesCommands(t *testing.T) {
	runner := &recordingRunner{}
	images := NewImages(runner)
	ctx := context.Background()

	_, err := images.Build(ctx, "/prod/abc", "doce-prod-p1-abc")
	require.NoError(t, err)
	_, err = images.RunDetached(ctx, "doce-prod-p1", "doce-prod-p1-abc", 4001)
	require.NoError(t, err)
	_, err = images.RemoveContainer(ctx, "doce-prod-p1")
	require.NoError(t, err)
	_, err = images.RemoveImage(ctx, "doce-prod-p1-abc")
	require.NoError(t, err)

	require.Len(t, runner.calls, 4)
	assert.Equal(t, []string{"build", "-t", "doce-prod-p1-abc", "."}, runner.calls[0])
	assert.Equal(t, "/prod/abc", runner.dirs[0])
	assert.Equal(t, []string{"run", "-d", "--name", "doce-prod-p1", "--restart", "unless-stopped",
		"-p", "127.0.0.1:4001:80", "doce-prod-p1-abc"}, runner.calls[1])
	assert.Equal(t, []string{"rm", "-f", "doce-prod-p1"}, runner.calls[2])
	assert.Equal(t, []string{"rmi", "doce-prod-p1-abc"}, runner.calls[3])
}

func TestResultErrorText(t *testing.T) {
	assert.Equal(t, "boom", (&Result{Stderr: " boom \n"}).ErrorText())
	assert.Equal(t, "out", (&Result{Stdout: "out\n"}).ErrorText())
	assert.True(t, (&Result{}).Success())
	assert.False(t, (&Result{ExitCode: 1}).Success())
}
