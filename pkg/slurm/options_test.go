package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seml-project/seml/internal/errs"
)

// TestBuildSbatchOptionsForbidsOutputKey exercises spec §8 E6.
func TestBuildSbatchOptionsForbidsOutputKey(t *testing.T) {
	_, err := buildSbatchOptions(map[string]string{"output": "x.log"}, "train.py", "mycol", 7, 3, nil, "out")
	require.Error(t, err)
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestBuildSbatchOptionsForbidsJobNameAndComment(t *testing.T) {
	_, err := buildSbatchOptions(map[string]string{"job-name": "x"}, "train.py", "mycol", 7, 3, nil, "out")
	assert.Error(t, err)

	_, err = buildSbatchOptions(map[string]string{"comment": "x"}, "train.py", "mycol", 7, 3, nil, "out")
	assert.Error(t, err)
}

func TestBuildSbatchOptionsAllowsCommentMatchingCollectionName(t *testing.T) {
	opts, err := buildSbatchOptions(map[string]string{"comment": "mycol"}, "train.py", "mycol", 7, 3, nil, "out")
	require.NoError(t, err)
	assert.Equal(t, "mycol", opts["comment"])
}

// TestBuildSbatchOptionsDerivesExpectedFields exercises spec §8 E2.
func TestBuildSbatchOptionsDerivesExpectedFields(t *testing.T) {
	opts, err := buildSbatchOptions(map[string]string{"partition": "gpu"}, "train.py", "mycol", 7, 2, nil, "out")
	require.NoError(t, err)

	assert.Equal(t, "gpu", opts["partition"])
	assert.Equal(t, "train_7", opts["job-name"])
	assert.Equal(t, "mycol", opts["comment"])
	assert.Equal(t, "0-1", opts["array"])
	assert.Equal(t, "out/train_%A_%a.out", opts["output"])
}

func TestBuildSbatchOptionsAppliesMaxSimultaneousJobs(t *testing.T) {
	max := 4
	opts, err := buildSbatchOptions(nil, "train.py", "mycol", 1, 10, &max, "out")
	require.NoError(t, err)
	assert.Equal(t, "0-9%4", opts["array"])
}

func TestBuildSbatchOptionsSuppressedOutputIsDevNull(t *testing.T) {
	opts, err := buildSbatchOptions(nil, "train.py", "mycol", 1, 1, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/null", opts["output"])
}

func TestExpNameStripsExtension(t *testing.T) {
	assert.Equal(t, "train", expName("/abs/path/train.py"))
	assert.Equal(t, "train", expName("train.py"))
}
