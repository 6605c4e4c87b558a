package update

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPhaseNames verifies names, ordering helpers and text decoding.
func TestPhaseNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pulling", PhasePulling.String())
	require.Equal(t, "phase(42)", Phase(42).String())
	require.True(t, PhaseFailed.Terminal())
	require.False(t, PhaseVerifying.Terminal())
	require.True(t, PhaseBuilding.Active())
	require.False(t, PhaseChecking.Active())
	require.Equal(t, []Phase{PhasePulling, PhaseBuilding, PhaseRestarting, PhaseVerifying}, PipelinePhases())

	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("restarting")))
	require.Equal(t, PhaseRestarting, p)
	require.Error(t, p.UnmarshalText([]byte("sleeping")))

	data, err := json.Marshal(map[string]Phase{"phase": PhaseSucceeded})
	require.NoError(t, err)
	require.JSONEq(t, `{"phase":"succeeded"}`, string(data))
}

// TestRunClone verifies Clone deep-copies pointers and the log.
func TestRunClone(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*Run)(nil).Clone())

	ended := time.Now()
	code := 2
	r := &Run{
		ID:       "run-1",
		EndedAt:  &ended,
		ExitCode: &code,
		Log:      []string{"a", "b"},
	}

	c := r.Clone()
	require.Equal(t, r, c)
	require.NotSame(t, r.EndedAt, c.EndedAt)
	require.NotSame(t, r.ExitCode, c.ExitCode)

	c.Log[0] = "changed"
	require.Equal(t, "a", r.Log[0])
}

// TestRunSummary keeps only the log tail and renders tags.
func TestRunSummary(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*Run)(nil).Summary())

	r := &Run{ID: "run-2", Phase: PhaseBuilding, Before: "v1.2.0", Latest: "1.3.0"}
	for i := range 30 {
		r.Log = append(r.Log, fmt.Sprintf("line %d", i))
	}

	s := r.Summary()
	require.Equal(t, 30, s.LogLines)
	require.Len(t, s.LogTail, summaryLogTail)
	require.Equal(t, "line 29", s.LogTail[len(s.LogTail)-1])
	require.Equal(t, "1.2.0", s.Before)
	require.Equal(t, "1.3.0", s.Latest)
	require.Empty(t, s.After)
	require.False(t, r.Finished())
}

// TestGuardStateRemaining computes the cooldown left.
func TestGuardStateRemaining(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.Zero(t, GuardState{Cooldown: time.Minute}.Remaining(now))

	completed := now.Add(-20 * time.Second)
	g := GuardState{LastCompletedAt: &completed, Cooldown: time.Minute}
	require.Equal(t, 40*time.Second, g.Remaining(now))
	require.Zero(t, g.Remaining(now.Add(time.Hour)))
}

// TestVersionStatusClone copies the release record.
func TestVersionStatusClone(t *testing.T) {
	t.Parallel()

	s := &VersionStatus{Current: "1.0.0", Release: &Release{Name: "r"}}
	c := s.Clone()

	require.Equal(t, s, c)
	require.NotSame(t, s.Release, c.Release)
	require.True(t, Event{Type: EventFailed}.Terminal())
	require.False(t, Event{Type: EventLine}.Terminal())
}
