package command

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
)

func testConfig() *config.Config {
	return &config.Config{
		InterpolationWhitelist: []string{"config", "config_unresolved", "seml", "slurm"},
		Seml: config.Seml{
			NamedConfigPrefix: "_",
			DebugServerHost:   "127.0.0.1",
		},
	}
}

// TestMaterializeSingleLocalRun exercises spec §8 E1.
func TestMaterializeSingleLocalRun(t *testing.T) {
	exp := experiment.Experiment{
		ID:     42,
		Config: experiment.Config{"lr": 0.1, "seed": 1},
		Seml:   experiment.Seml{Executable: "train.py"},
	}

	cmd, err := Materialize(exp, "mycollection", testConfig(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"python"}, cmd.Interpreter)
	assert.Equal(t, "train.py", cmd.Executable)
	assert.Contains(t, cmd.ArgvTail, "lr=0.1")
	assert.Contains(t, cmd.ArgvTail, "seed=1")
	assert.Contains(t, cmd.ArgvTail, "db_collection='mycollection'")
	assert.Contains(t, cmd.ArgvTail, "overwrite=42")
	assert.Contains(t, cmd.ArgvTail, "--force")
}

func TestMaterializeUnobservedSkipsOverwriteKeepsForce(t *testing.T) {
	exp := experiment.Experiment{ID: 1, Config: experiment.Config{"lr": 0.1}, Seml: experiment.Seml{Executable: "train.py"}}

	cmd, err := Materialize(exp, "col", testConfig(), Options{Unobserved: true})
	require.NoError(t, err)

	assert.NotContains(t, cmd.ArgvTail, "overwrite=1")
	assert.Contains(t, cmd.ArgvTail, "--unobserved")
	assert.Contains(t, cmd.ArgvTail, "--force") // unobserved doesn't imply verbose
}

func TestMaterializeVerboseOmitsForce(t *testing.T) {
	exp := experiment.Experiment{ID: 1, Config: experiment.Config{}, Seml: experiment.Seml{Executable: "train.py"}}
	cmd, err := Materialize(exp, "col", testConfig(), Options{Verbose: true})
	require.NoError(t, err)
	assert.NotContains(t, cmd.ArgvTail, "--force")
}

// TestMaterializeDebugServer exercises spec §8 E4.
func TestMaterializeDebugServer(t *testing.T) {
	exp := experiment.Experiment{ID: 1, Config: experiment.Config{}, Seml: experiment.Seml{Executable: "train.py"}}

	cmd, err := Materialize(exp, "col", testConfig(), Options{
		Unobserved: true, PostMortem: true, Debug: true, DebugServer: true,
	})
	require.NoError(t, err)

	require.Len(t, cmd.Interpreter, 6)
	assert.Equal(t, []string{"python", "-m", "debugpy", "--listen"}, cmd.Interpreter[:4])
	assert.Equal(t, "--wait-for-client", cmd.Interpreter[5])
	assert.Greater(t, cmd.DebugPort, 0)
	assert.Contains(t, cmd.ArgvTail, "--pdb")
	assert.Contains(t, cmd.ArgvTail, "--debug")
}

// TestInterpolationResolvesDottedReference exercises spec §8 E5.
func TestInterpolationResolvesDottedReference(t *testing.T) {
	exp := experiment.Experiment{
		Config: experiment.Config{"lr": 0.01},
	}
	ctx, err := buildInterpolationContext(exp, []string{"config"})
	require.NoError(t, err)

	resolved, err := ResolveInterpolations("lr=${config.lr}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "lr=0.01", resolved)
}

func TestInterpolationMissingKeyIsConfigError(t *testing.T) {
	exp := experiment.Experiment{Config: experiment.Config{}}
	ctx, err := buildInterpolationContext(exp, []string{"config"})
	require.NoError(t, err)

	_, err = ResolveInterpolations("lr=${config.lr}", ctx)
	require.Error(t, err)
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "config.lr", ce.Field)
}

func TestInterpolationDoesNotTouchOtherSubstrings(t *testing.T) {
	exp := experiment.Experiment{Config: experiment.Config{"lr": 0.01}}
	ctx, err := buildInterpolationContext(exp, []string{"config"})
	require.NoError(t, err)

	resolved, err := ResolveInterpolations("rate=${config.lr}%, not a var: $config.lr", ctx)
	require.NoError(t, err)
	assert.Equal(t, "rate=0.01%, not a var: $config.lr", resolved)
}

// TestMaterializeRoundTripsThroughJSON exercises spec §8 property 4.
func TestMaterializeRoundTripsThroughJSON(t *testing.T) {
	original := experiment.Config{
		"lr":     0.1,
		"layers": []any{float64(1), float64(2), float64(3)},
		"nested": map[string]any{"a": float64(1), "b": "two"},
	}
	exp := experiment.Experiment{ID: 7, Config: original, Seml: experiment.Seml{Executable: "train.py"}}

	cmd, err := Materialize(exp, "col", testConfig(), Options{UseJSONEncoding: true, Unobserved: true})
	require.NoError(t, err)

	decoded := map[string]any{}
	for _, tok := range cmd.ArgvTail {
		if strings.HasPrefix(tok, "--") {
			continue
		}
		parts := strings.SplitN(tok, "=", 2)
		require.Len(t, parts, 2)
		if parts[0] == "db_collection" {
			continue
		}
		var v any
		require.NoError(t, json.Unmarshal([]byte(parts[1]), &v))
		decoded[parts[0]] = v
	}

	for k, v := range original {
		assert.Equal(t, v, decoded[k], "key %s must round-trip exactly", k)
	}
}

func TestUnresolvedModeSeparatesNamedConfigs(t *testing.T) {
	exp := experiment.Experiment{
		ConfigUnresolved: experiment.Config{"lr": 0.1, "_fast_variant": true},
		Seml:              experiment.Seml{Executable: "train.py"},
	}

	cmd, err := Materialize(exp, "col", testConfig(), Options{Unresolved: true, Unobserved: true})
	require.NoError(t, err)

	assert.Contains(t, cmd.ArgvTail, "fast_variant")
	assert.Contains(t, cmd.ArgvTail, "lr=0.1")
	for _, tok := range cmd.ArgvTail {
		assert.NotContains(t, tok, "_fast_variant")
	}
}

func TestMaterializeMissingExecutableIsConfigError(t *testing.T) {
	exp := experiment.Experiment{ID: 1}
	_, err := Materialize(exp, "col", testConfig(), Options{})
	require.Error(t, err)
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestReprStringFormats(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{"nil", nil, "None"},
		{"true", true, "True"},
		{"false", false, "False"},
		{"string", "hi", "'hi'"},
		{"string with quote", "it's", `'it\'s'`},
		{"int", 5, "5"},
		{"float", 0.5, "0.5"},
		{"list", []any{1, "a"}, "[1, 'a']"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, reprString(tt.value))
		})
	}
}

func TestShellCommandIsQuoted(t *testing.T) {
	cmd := Command{Interpreter: []string{"python"}, Executable: "train.py", ArgvTail: []string{"desc='has space'"}}
	assert.Equal(t, `python train.py with 'desc='\''has space'\'''`, cmd.ShellCommand())
}
