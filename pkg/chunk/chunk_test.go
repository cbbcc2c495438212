package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seml-project/seml/pkg/experiment"
)

func exp(id, batchID int64, perJob int) experiment.Experiment {
	return experiment.Experiment{
		ID:      id,
		BatchID: batchID,
		Status:  experiment.StatusPending,
		Slurm:   experiment.Slurm{ExperimentsPerJob: perJob},
	}
}

func TestBuildGroupsByBatchAndChunks(t *testing.T) {
	// Spec §8 E2: three docs, batch 7, experiments_per_job=2 -> one array
	// of two chunks (sizes 2, 1).
	exps := []experiment.Experiment{
		exp(1, 7, 2),
		exp(2, 7, 2),
		exp(3, 7, 2),
	}

	arrays := Build(exps)
	require.Len(t, arrays, 1)
	assert.Equal(t, int64(7), arrays[0].BatchID)
	require.Len(t, arrays[0].Chunks, 2)
	assert.Len(t, arrays[0].Chunks[0], 2)
	assert.Len(t, arrays[0].Chunks[1], 1)
	assert.Equal(t, int64(1), arrays[0].Chunks[0][0].ID)
	assert.Equal(t, int64(2), arrays[0].Chunks[0][1].ID)
	assert.Equal(t, int64(3), arrays[0].Chunks[1][0].ID)
}

func TestBuildNeverCrossesBatches(t *testing.T) {
	exps := []experiment.Experiment{
		exp(1, 1, 5),
		exp(2, 2, 5),
		exp(3, 1, 5),
	}

	arrays := Build(exps)
	require.Len(t, arrays, 2, "two distinct batches yield two arrays even though one chunk of 5 could fit")
	assert.Equal(t, int64(1), arrays[0].BatchID)
	assert.Equal(t, int64(2), arrays[1].BatchID)
}

func TestBuildPreservesOrderOfAppearance(t *testing.T) {
	exps := []experiment.Experiment{
		exp(10, 2, 1),
		exp(11, 1, 1),
		exp(12, 2, 1),
	}

	arrays := Build(exps)
	require.Len(t, arrays, 2)
	assert.Equal(t, int64(2), arrays[0].BatchID, "batch 2 appeared first")
	assert.Equal(t, int64(1), arrays[1].BatchID)
}

func TestFlattenRecoversAllExperiments(t *testing.T) {
	exps := []experiment.Experiment{
		exp(1, 1, 2),
		exp(2, 1, 2),
		exp(3, 1, 2),
		exp(4, 2, 1),
	}

	arrays := Build(exps)
	flat := Flatten(arrays)

	ids := make([]int64, len(flat))
	for i, e := range flat {
		ids[i] = e.ID
	}
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids)

	for _, a := range arrays {
		for _, c := range a.Chunks {
			assert.LessOrEqual(t, len(c), exps[0].Slurm.ExperimentsPerJob+1) // sanity, real bound checked below
			for _, e := range c {
				assert.Equal(t, a.BatchID, e.BatchID, "chunk boundary must not cross batches")
			}
		}
	}
}

func TestChunkSizeNeverExceedsExperimentsPerJob(t *testing.T) {
	exps := make([]experiment.Experiment, 0, 7)
	for i := int64(1); i <= 7; i++ {
		exps = append(exps, exp(i, 9, 3))
	}

	arrays := Build(exps)
	require.Len(t, arrays, 1)
	for _, c := range arrays[0].Chunks {
		assert.LessOrEqual(t, len(c), 3)
	}
	assert.Len(t, arrays[0].Chunks, 3) // 3,3,1
}

func TestBuildEmptyInput(t *testing.T) {
	assert.Empty(t, Build(nil))
}
