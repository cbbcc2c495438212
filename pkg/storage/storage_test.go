package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
)

// newTestGateway starts a disposable MongoDB container and returns a
// Gateway bound to a throwaway collection.
func newTestGateway(t *testing.T) *Gateway {
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := &config.Config{MongoURI: uri, MongoDatabase: "seml_test"}
	gw, err := New(ctx, cfg, "experiments")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	return gw
}

func insertPending(t *testing.T, gw *Gateway, id int64) {
	_, err := gw.collection.InsertOne(context.Background(), experiment.Experiment{
		ID:     id,
		Status: experiment.StatusPending,
		Config: experiment.Config{"lr": 0.1},
		Seml:   experiment.Seml{Executable: "train.py", WorkingDir: "."},
		Slurm:  experiment.Slurm{ExperimentsPerJob: 1},
	})
	require.NoError(t, err)
}

func TestClaimForRunAtomicUnderConcurrency(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	insertPending(t, gw, 1)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*experiment.Experiment, n)
	errsOut := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exp, err := gw.ClaimForRun(ctx, 1, false, nil)
			results[i] = exp
			errsOut[i] = err
		}(i)
	}
	wg.Wait()

	var wins int
	for i := 0; i < n; i++ {
		if errsOut[i] == nil {
			wins++
			assert.Equal(t, experiment.StatusRunning, results[i].Status)
		} else {
			assert.ErrorIs(t, errsOut[i], errs.ErrNotClaimable)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent claim must win")

	final, err := gw.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, final.Status)
}

func TestClaimForRunUnobservedDoesNotMutate(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	insertPending(t, gw, 2)

	exp, err := gw.ClaimForRun(ctx, 2, true, nil)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPending, exp.Status)

	final, err := gw.FindByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPending, final.Status)
}

func TestClaimForRunSlurmTaskContextMatchesOwnPlacement(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	taskID := 3
	_, err := gw.collection.InsertOne(ctx, experiment.Experiment{
		ID:     4,
		Status: experiment.StatusPending,
		Seml:   experiment.Seml{Executable: "train.py"},
		Slurm:  experiment.Slurm{ArrayID: "555", TaskID: &taskID, ExperimentsPerJob: 1},
	})
	require.NoError(t, err)

	// First claim transitions via the pending branch of the $or and leaves
	// placement fields untouched (not cleared, unlike the local/steal path).
	exp, err := gw.ClaimForRun(ctx, 4, false, &SlurmTaskContext{ArrayJobID: "555", ArrayTaskID: 3})
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, exp.Status)
	assert.Equal(t, "555", exp.Slurm.ArrayID)
	require.NotNil(t, exp.Slurm.TaskID)
	assert.Equal(t, 3, *exp.Slurm.TaskID)
}

func TestClaimForRunLocalStealClearsSlurmPlacement(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	taskID := 1
	_, err := gw.collection.InsertOne(ctx, experiment.Experiment{
		ID:     5,
		Status: experiment.StatusPending,
		Seml:   experiment.Seml{Executable: "train.py"},
		Slurm:  experiment.Slurm{ArrayID: "999", TaskID: &taskID, ExperimentsPerJob: 1},
	})
	require.NoError(t, err)

	exp, err := gw.ClaimForRun(ctx, 5, false, nil)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, exp.Status)
	assert.Empty(t, exp.Slurm.ArrayID)
	assert.Nil(t, exp.Slurm.TaskID)
}

func TestClaimForRunOnNonPendingIsNotClaimable(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	_, err := gw.collection.InsertOne(ctx, experiment.Experiment{ID: 6, Status: experiment.StatusCompleted})
	require.NoError(t, err)

	_, err = gw.ClaimForRun(ctx, 6, false, nil)
	assert.ErrorIs(t, err, errs.ErrNotClaimable)
}

func TestClaimForRunMissingIDIsNotClaimable(t *testing.T) {
	gw := newTestGateway(t)
	_, err := gw.ClaimForRun(context.Background(), 999, false, nil)
	assert.ErrorIs(t, err, errs.ErrNotClaimable)
}

func TestFindOrdersByID(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	insertPending(t, gw, 30)
	insertPending(t, gw, 10)
	insertPending(t, gw, 20)

	docs, err := gw.Find(ctx, bson.M{"status": string(experiment.StatusPending)})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{docs[0].ID, docs[1].ID, docs[2].ID})
}

func TestSetDispatchedRecordsPlacement(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	_, err := gw.collection.InsertOne(ctx, experiment.Experiment{ID: 40, Status: experiment.StatusStaged})
	require.NoError(t, err)

	require.NoError(t, gw.SetDispatched(ctx, 40, "777", 2, map[string]string{"partition": "gpu"}, "out/40_777_2.out"))

	exp, err := gw.FindByID(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPending, exp.Status)
	assert.Equal(t, "777", exp.Slurm.ArrayID)
	require.NotNil(t, exp.Slurm.TaskID)
	assert.Equal(t, 2, *exp.Slurm.TaskID)
	assert.Equal(t, "out/40_777_2.out", exp.Seml.OutputFile)
}

func TestForceFailedOverridesStatus(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	_, err := gw.collection.InsertOne(ctx, experiment.Experiment{ID: 50, Status: experiment.StatusRunning})
	require.NoError(t, err)

	require.NoError(t, gw.ForceFailed(ctx, 50))

	exp, err := gw.FindByID(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusFailed, exp.Status)
}

func TestNewFailsOnBadURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := &config.Config{MongoURI: "mongodb://127.0.0.1:1/", MongoDatabase: "x"}
	_, err := New(ctx, cfg, "experiments")
	assert.Error(t, err)
}
