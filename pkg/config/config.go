// Package config loads the per-project SEML configuration: the Mongo
// connection, the Slurm binaries and script templates, the interpolation
// whitelist, and the other settings the original implementation kept on a
// global SETTINGS singleton. Nothing here is global — every component
// receives a *Config through its constructor (spec §9, "injected
// configuration").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Slurm holds the paths to the Slurm CLI tools and the script templates
// used to render sbatch/srun invocations.
type Slurm struct {
	SbatchBin         string `mapstructure:"sbatch_bin" yaml:"sbatch_bin"`
	SrunBin           string `mapstructure:"srun_bin" yaml:"srun_bin"`
	ScancelBin        string `mapstructure:"scancel_bin" yaml:"scancel_bin"`
	SqueueBin         string `mapstructure:"squeue_bin" yaml:"squeue_bin"`
	ScontrolBin       string `mapstructure:"scontrol_bin" yaml:"scontrol_bin"`
	SbatchTemplate    string `mapstructure:"sbatch_template" yaml:"sbatch_template"`
	LoginNodeNames    []string `mapstructure:"login_node_names" yaml:"login_node_names"`
	SetupCommand      string `mapstructure:"setup_command" yaml:"setup_command"`
	EndCommand        string `mapstructure:"end_command" yaml:"end_command"`
}

// Seml holds engine-wide defaults mirrored from the original SETTINGS
// object: the temp directory root, the output directory default, the
// named-config token prefix, and the config key reserved for a fixed seed.
type Seml struct {
	TmpDirectory        string `mapstructure:"tmp_directory" yaml:"tmp_directory"`
	OutputDirectory     string `mapstructure:"output_directory" yaml:"output_directory"`
	NamedConfigPrefix   string `mapstructure:"named_config_prefix" yaml:"named_config_prefix"`
	ConfigKeySeed       string `mapstructure:"config_key_seed" yaml:"config_key_seed"`
	DebugServerHost     string `mapstructure:"debug_server_host" yaml:"debug_server_host"`
}

// Config is the umbrella configuration object every component constructor
// receives. It is assembled once at process start and passed down; nothing
// downstream reads a package-level global.
type Config struct {
	configFile string

	MongoURI              string   `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase         string   `mapstructure:"mongo_database" yaml:"mongo_database"`
	InterpolationWhitelist []string `mapstructure:"interpolation_whitelist" yaml:"interpolation_whitelist"`

	Seml  Seml  `mapstructure:"seml" yaml:"seml"`
	Slurm Slurm `mapstructure:"slurm" yaml:"slurm"`
}

// ConfigFile returns the path the configuration was loaded from, or "" if
// it was assembled purely from defaults/env/flags.
func (c *Config) ConfigFile() string {
	return c.configFile
}

// defaults returns the built-in baseline, applied before any file, env, or
// flag value is layered on top.
func defaults() *Config {
	return &Config{
		MongoDatabase: "seml",
		InterpolationWhitelist: []string{
			"config", "config_unresolved", "seml", "slurm",
		},
		Seml: Seml{
			TmpDirectory:      os.TempDir(),
			OutputDirectory:   ".",
			NamedConfigPrefix: "_",
			ConfigKeySeed:     "seed",
			DebugServerHost:   "0.0.0.0",
		},
		Slurm: Slurm{
			SbatchBin:      "sbatch",
			SrunBin:        "srun",
			ScancelBin:     "scancel",
			SqueueBin:      "squeue",
			ScontrolBin:    "scontrol",
			SbatchTemplate: "sbatch.sh.tmpl",
		},
	}
}

// Validate checks the fields the rest of the engine assumes are present.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return NewValidationError("mongo_uri", ErrMissingRequiredField)
	}
	if c.MongoDatabase == "" {
		return NewValidationError("mongo_database", ErrMissingRequiredField)
	}
	if c.Seml.TmpDirectory == "" {
		return NewValidationError("seml.tmp_directory", ErrMissingRequiredField)
	}
	return nil
}

// yamlConfig mirrors the on-disk project config file shape; it is decoded
// separately from Config so env-var expansion can run before merging.
type yamlConfig = Config

// Load assembles the configuration from, in increasing precedence: built-in
// defaults, the YAML file at path (if path is non-empty), environment
// variables prefixed SEML_, and whatever flags the caller has already bound
// into v. An empty path skips the file layer; a non-empty path that does not
// exist or cannot be read is an error (ErrConfigNotFound for a missing file).
func Load(path string, v *viper.Viper) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, NewLoadError(path, ErrConfigNotFound)
			}
			return nil, NewLoadError(path, err)
		}
		expanded := ExpandEnv(raw)

		var fromFile yamlConfig
		if err := yaml.Unmarshal(expanded, &fromFile); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
		cfg.configFile = path
	}

	if v != nil {
		v.SetEnvPrefix("seml")
		v.AutomaticEnv()
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		// Unmarshal only sees keys viper already knows, so every config key
		// is bound to its SEML_ variable explicitly.
		for _, key := range []string{
			"mongo_uri", "mongo_database", "interpolation_whitelist",
			"seml.tmp_directory", "seml.output_directory", "seml.named_config_prefix",
			"seml.config_key_seed", "seml.debug_server_host",
			"slurm.sbatch_bin", "slurm.srun_bin", "slurm.scancel_bin", "slurm.squeue_bin",
			"slurm.scontrol_bin", "slurm.sbatch_template", "slurm.login_node_names",
			"slurm.setup_command", "slurm.end_command",
		} {
			_ = v.BindEnv(key)
		}

		var fromViper Config
		if err := v.Unmarshal(&fromViper); err != nil {
			return nil, fmt.Errorf("decoding layered configuration: %w", err)
		}
		// Override merge that skips empty values: only fields viper actually
		// populated from a flag or SEML_ env var are non-zero and thus take
		// precedence; an unset flag leaves the file/default value alone.
		if err := mergo.Merge(cfg, fromViper, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging layered configuration: %w", err)
		}
	}

	return cfg, nil
}

// DefaultConfigPath returns the conventional project config file location
// relative to the current working directory.
func DefaultConfigPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return "seml.yaml"
	}
	return filepath.Join(wd, "seml.yaml")
}
