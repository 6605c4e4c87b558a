package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/process/processtest"
	"github.com/oshokin/compose-updater/internal/tag"
)

var errNoDocker = errors.New(`exec: "docker": executable file not found in $PATH`)

// answer returns a runner that replies to every inspection with resp.
func answer(resp processtest.Response) *processtest.Runner {
	return processtest.NewRunner(func(context.Context, process.Command) processtest.Response {
		return resp
	})
}

// TestInspectCurrent_Label verifies the OCI label wins over the image tag.
func TestInspectCurrent_Label(t *testing.T) {
	t.Parallel()

	runner := answer(processtest.Succeed(
		`{"image":"ghcr.io/bitfocus/companion:latest","labels":{"org.opencontainers.image.version":"v4.2.3"},"status":"running","running":true}`,
	))

	inspector := NewInspector(runner, WithTimeout(time.Second))

	current, err := inspector.InspectCurrent(context.Background(), "companion")
	require.NoError(t, err)
	require.Equal(t, tag.Tag("4.2.3"), current)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, DefaultBinary, calls[0].Name)
	require.Equal(t, "companion", calls[0].Args[len(calls[0].Args)-1])
	require.Equal(t, time.Second, calls[0].Timeout)
}

// TestInspectCurrent_ImageFallback covers images without the label.
func TestInspectCurrent_ImageFallback(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		output string
		want   tag.Tag
	}{
		{
			name:   "tagged image",
			output: `{"image":"registry:5000/app:V1.9.0","labels":null,"status":"exited","running":false}`,
			want:   "1.9.0",
		},
		{
			name:   "untagged image",
			output: `{"image":"registry:5000/app","labels":{},"status":"running","running":true}`,
			want:   "",
		},
		{
			name:   "warning before json",
			output: "WARNING: something\n" + `{"image":"app:2.0","labels":{},"status":"running","running":true}`,
			want:   "2.0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			current, err := NewInspector(answer(processtest.Succeed(tc.output))).
				InspectCurrent(context.Background(), "app")
			require.NoError(t, err)
			require.Equal(t, tc.want, current)
		})
	}
}

// TestInspectCurrent_Errors maps runtime failures to the inspector errors.
func TestInspectCurrent_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		resp processtest.Response
		want error
	}{
		{
			name: "no such container",
			resp: processtest.Fail(1, "Error: No such container: app"),
			want: ErrUnitNotFound,
		},
		{
			name: "no such object",
			resp: processtest.Fail(1, "Error response from daemon: no such object: app"),
			want: ErrUnitNotFound,
		},
		{
			name: "daemon down",
			resp: processtest.Fail(1, "Cannot connect to the Docker daemon"),
			want: ErrInspectionFailed,
		},
		{
			name: "timeout",
			resp: processtest.Response{Result: process.Result{ExitCode: process.TimeoutExitCode, TimedOut: true}},
			want: ErrInspectionFailed,
		},
		{
			name: "binary missing",
			resp: processtest.Response{StartErr: errNoDocker},
			want: ErrInspectionFailed,
		},
		{
			name: "garbage",
			resp: processtest.Succeed("not json"),
			want: ErrInspectionFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewInspector(answer(tc.resp)).InspectCurrent(context.Background(), "app")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

// TestContainerState reports existence and the running flag.
func TestContainerState(t *testing.T) {
	t.Parallel()

	state, err := NewInspector(answer(processtest.Succeed(
		`{"image":"app:1","labels":{},"status":"restarting","running":false}`,
	))).ContainerState(context.Background(), "app")
	require.NoError(t, err)
	require.True(t, state.Exists)
	require.False(t, state.Running)
	require.Equal(t, "restarting", state.Status)

	state, err = NewInspector(answer(processtest.Fail(1, "Error: No such container: app"))).
		ContainerState(context.Background(), "app")
	require.NoError(t, err)
	require.False(t, state.Exists)
	require.Equal(t, "not_found", state.Status)

	_, err = NewInspector(answer(processtest.Fail(1, "boom"))).ContainerState(context.Background(), "app")
	require.ErrorIs(t, err, ErrInspectionFailed)
}

// TestInspect_EmptyUnit rejects a blank unit name without running anything.
func TestInspect_EmptyUnit(t *testing.T) {
	t.Parallel()

	runner := answer(processtest.Succeed())

	_, err := NewInspector(runner).InspectCurrent(context.Background(), " ")
	require.ErrorIs(t, err, ErrInspectionFailed)
	require.Empty(t, runner.Calls())
}
