package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusPartitions(t *testing.T) {
	tests := []struct {
		name            string
		status          Status
		wantPendingLike bool
		wantTerminal    bool
		wantValid       bool
	}{
		{name: "staged", status: StatusStaged, wantValid: true},
		{name: "pending is pending-like", status: StatusPending, wantPendingLike: true, wantValid: true},
		{name: "running is neither", status: StatusRunning, wantValid: true},
		{name: "completed is terminal", status: StatusCompleted, wantTerminal: true, wantValid: true},
		{name: "failed is terminal", status: StatusFailed, wantTerminal: true, wantValid: true},
		{name: "interrupted is terminal", status: StatusInterrupted, wantTerminal: true, wantValid: true},
		{name: "killed is terminal", status: StatusKilled, wantTerminal: true, wantValid: true},
		{name: "unknown status is invalid", status: Status("BOGUS")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantPendingLike, tt.status.IsPendingLike())
			assert.Equal(t, tt.wantTerminal, tt.status.IsTerminal())
			assert.Equal(t, tt.wantValid, tt.status.Valid())
		})
	}
}

func TestSlurmResetClearsPlacement(t *testing.T) {
	taskID := 2
	s := Slurm{ArrayID: "123", TaskID: &taskID, ExperimentsPerJob: 4}
	assert.True(t, s.Dispatched())

	s.Reset()

	assert.False(t, s.Dispatched())
	assert.Nil(t, s.TaskID)
	assert.Equal(t, 4, s.ExperimentsPerJob, "reset must not touch unrelated fields")
}

func TestEffectiveConfigFallsBackToResolved(t *testing.T) {
	e := Experiment{Config: Config{"lr": 0.1}}
	assert.Equal(t, Config{"lr": 0.1}, e.EffectiveConfig())

	e.ConfigUnresolved = Config{"lr": "${grid.lr}"}
	assert.Equal(t, Config{"lr": "${grid.lr}"}, e.EffectiveConfig())
}
