// Package slurm is the Slurm Dispatcher (spec §4.5): it renders sbatch
// scripts from a template, submits them, parses the returned job IDs, and
// records them on every experiment in the array. It also carries the
// interactive srun submission path and the scancel/squeue helpers the
// Local Worker's steal path and the cancellation path depend on.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/chunk"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
	"github.com/seml-project/seml/pkg/storage"
)

// Dispatcher submits Slurm jobs for one collection.
type Dispatcher struct {
	cfg            *config.Config
	gw             *storage.Gateway
	collectionName string
}

// New builds a Dispatcher bound to the given collection's Storage Gateway.
func New(cfg *config.Config, gw *storage.Gateway, collectionName string) *Dispatcher {
	return &Dispatcher{cfg: cfg, gw: gw, collectionName: collectionName}
}

// SubmitOptions carries the per-submission flags that affect prepare-args
// and output routing.
type SubmitOptions struct {
	Unobserved      bool
	DebugServer     bool
	OutputToConsole bool // true suppresses file output (/dev/null)
}

// SubmitArray is the sbatch submission path of spec §4.5.
func (d *Dispatcher) SubmitArray(ctx context.Context, array chunk.Array) (string, error) {
	if len(array.Chunks) == 0 || len(array.Chunks[0]) == 0 {
		return "", errs.NewConfigError("", fmt.Errorf("cannot submit an empty array"))
	}
	first := array.Chunks[0][0]

	return d.submit(ctx, array, first, SubmitOptions{})
}

// SubmitArrayWithOptions is SubmitArray with explicit submission flags,
// used by the Lifecycle Orchestrator when debug/console-output flags are
// in play.
func (d *Dispatcher) SubmitArrayWithOptions(ctx context.Context, array chunk.Array, opts SubmitOptions) (string, error) {
	if len(array.Chunks) == 0 || len(array.Chunks[0]) == 0 {
		return "", errs.NewConfigError("", fmt.Errorf("cannot submit an empty array"))
	}
	first := array.Chunks[0][0]
	return d.submit(ctx, array, first, opts)
}

func (d *Dispatcher) submit(ctx context.Context, array chunk.Array, first experiment.Experiment, opts SubmitOptions) (string, error) {
	n := len(array.Chunks)

	outputDir := ""
	if !opts.OutputToConsole {
		resolved, err := resolveOutputDir(first, d.cfg)
		if err != nil {
			return "", err
		}
		outputDir = resolved
	}

	sbatchOpts, err := buildSbatchOptions(first.Slurm.SbatchOptions, first.Seml.Executable, d.collectionName, array.BatchID, n, first.Slurm.MaxSimultaneousJobs, outputDir)
	if err != nil {
		return "", err
	}

	tasks := make([]taskSpec, n)
	for i, c := range array.Chunks {
		ids := make([]int64, len(c))
		for j, e := range c {
			ids[j] = e.ID
		}
		tasks[i] = taskSpec{TaskIndex: i, ExpIDs: ids}
	}

	withSources := len(first.Seml.SourceFiles) > 0

	data := sbatchTemplateData{
		SbatchOptions:    sbatchOpts,
		WorkingDir:       first.Seml.WorkingDir,
		UseCondaEnv:      first.Seml.CondaEnvironment != "",
		CondaEnv:         first.Seml.CondaEnvironment,
		Tasks:            tasks,
		WithSources:      withSources,
		DBCollectionName: d.collectionName,
		PrepareArgs:      prepareArgs(opts),
		TmpDirectory:     d.cfg.Seml.TmpDirectory,
		SetupCommand:     d.cfg.Slurm.SetupCommand,
		EndCommand:       d.cfg.Slurm.EndCommand,
	}

	script, err := renderSbatchScript(data)
	if err != nil {
		return "", fmt.Errorf("rendering sbatch script: %w", err)
	}

	scriptPath := filepath.Join(d.cfg.Seml.TmpDirectory, uuid.NewString()+".sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("writing sbatch script: %w", err)
	}
	defer os.Remove(scriptPath)

	out, err := d.run(ctx, d.cfg.Slurm.SbatchBin, scriptPath)
	if err != nil {
		return "", errs.NewDispatchError("sbatch", out, err)
	}

	arrayID := parseArrayJobID(out)

	var ops []storage.BulkOp
	for i, c := range array.Chunks {
		outputFile := "/dev/null"
		if outputDir != "" {
			outputFile = filepath.Join(outputDir, fmt.Sprintf("%s_%s_%d.out", expName(first.Seml.Executable), arrayID, i))
		}
		for _, e := range c {
			ops = append(ops, storage.DispatchedOp(e.ID, arrayID, i, sbatchOpts, outputFile))
		}
	}
	if err := d.gw.BulkUpdate(ctx, ops); err != nil {
		return arrayID, err
	}

	return arrayID, nil
}

// SubmitSrun is the interactive (debug-only) path of spec §4.5: a
// length-1 array executed attached to the terminal, re-entering the Local
// Worker path inside the srun context.
func (d *Dispatcher) SubmitSrun(ctx context.Context, exp experiment.Experiment, extraFlags []string) error {
	ntasks := "1"
	srunOpts := []string{"--ntasks", ntasks}
	for k, v := range exp.Slurm.SbatchOptions {
		srunOpts = append(srunOpts, "--"+k+"="+v)
	}

	args := append([]string{}, srunOpts...)
	args = append(args, "seml", d.collectionName, "start", "--local", "--sacred-id", fmt.Sprint(exp.ID))
	args = append(args, extraFlags...)

	cmd := exec.CommandContext(ctx, d.cfg.Slurm.SrunBin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errs.NewDispatchError("srun", "", err)
	}
	return nil
}

// Scancel cancels a single Slurm array task. Callers invoke it after
// cleaning up the document (spec §5 "steal safety": clean up first, then
// scancel).
func (d *Dispatcher) Scancel(ctx context.Context, arrayID string, taskID int) error {
	target := fmt.Sprintf("%s_%d", arrayID, taskID)
	if _, err := d.run(ctx, d.cfg.Slurm.ScancelBin, target); err != nil {
		return errs.NewDispatchError("scancel", "", err)
	}
	return nil
}

// Squeue reports the nodes running the given array job (supplemental
// feature, spec SPEC_FULL.md: "squeue node report").
func (d *Dispatcher) Squeue(ctx context.Context, arrayID string) (string, error) {
	out, err := d.run(ctx, d.cfg.Slurm.SqueueBin, "-j", arrayID, "-O", "nodelist:1000")
	if err != nil {
		return "", errs.NewDispatchError("squeue", out, err)
	}
	return strings.TrimSpace(out), nil
}

// run executes name with args, returning stdout on success; on failure it
// returns stderr instead (or stdout when stderr is empty) for error
// reporting. Grounded on the HelmCLIClient.run
// subprocess-wrapper pattern: no shell is involved, arguments are passed
// as an argv array rather than interpolated into a shell string.
func (d *Dispatcher) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stderr.String(), err
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

// parseArrayJobID extracts the array job ID: the last whitespace-separated
// token of sbatch's submission output (e.g. "Submitted batch job 12345").
func parseArrayJobID(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// prepareArgs builds the extra flags appended to each per-ID
// prepare-experiment invocation inside the rendered script.
func prepareArgs(opts SubmitOptions) string {
	var b strings.Builder
	if opts.Unobserved {
		b.WriteString(" --unobserved")
	}
	if opts.DebugServer {
		b.WriteString(" --debug-server")
	}
	return b.String()
}

// resolveOutputDir implements the legacy-precedence rule of the original
// implementation's get_output_dir_path: seml.output_dir wins, then the
// deprecated slurm.output_dir, then the project-wide default. The
// resolved directory must exist (ConfigError otherwise).
func resolveOutputDir(exp experiment.Experiment, cfg *config.Config) (string, error) {
	dir := cfg.Seml.OutputDirectory
	if exp.Slurm.OutputDir != "" {
		slog.Warn("slurm.output_dir is deprecated, use seml.output_dir instead", "experiment_id", exp.ID)
		dir = exp.Slurm.OutputDir
	}
	if exp.Seml.OutputDir != "" {
		dir = exp.Seml.OutputDir
	}

	if _, err := os.Stat(dir); err != nil {
		return "", errs.NewConfigError("seml.output_dir", fmt.Errorf("output directory %q does not exist: %w", dir, err))
	}
	return dir, nil
}
