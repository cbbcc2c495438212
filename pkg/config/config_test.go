package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "seml", cfg.MongoDatabase)
	assert.Equal(t, "sbatch", cfg.Slurm.SbatchBin)
	assert.Equal(t, "_", cfg.Seml.NamedConfigPrefix)
	assert.Empty(t, cfg.ConfigFile())
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seml.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo_uri: "mongodb://localhost:27017"
mongo_database: "myproject"
slurm:
  sbatch_bin: /opt/slurm/bin/sbatch
  login_node_names:
    - login01
    - login02
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "myproject", cfg.MongoDatabase)
	assert.Equal(t, "/opt/slurm/bin/sbatch", cfg.Slurm.SbatchBin)
	assert.Equal(t, []string{"login01", "login02"}, cfg.Slurm.LoginNodeNames)
	// Defaults not touched by the file survive the merge.
	assert.Equal(t, "srun", cfg.Slurm.SrunBin)
	assert.Equal(t, path, cfg.ConfigFile())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SEML_TEST_MONGO_HOST", "dbhost")

	dir := t.TempDir()
	path := filepath.Join(dir, "seml.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo_uri: "mongodb://${SEML_TEST_MONGO_HOST}:27017"
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://dbhost:27017", cfg.MongoURI)
}

func TestValidateRequiresMongoURI(t *testing.T) {
	cfg := defaults()
	err := cfg.Validate()
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mongo_uri", ve.Field)

	cfg.MongoURI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())
}
