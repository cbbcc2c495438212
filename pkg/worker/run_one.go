package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/internal/shellquote"
	"github.com/seml-project/seml/pkg/command"
	"github.com/seml-project/seml/pkg/experiment"
	"github.com/seml-project/seml/pkg/sources"
)

// runOne executes a single already-claimed experiment: it materializes the
// command, restores sources into a scoped temp directory if needed,
// computes and persists the output file, runs the child process with the
// requested output-capture mode, and cleans up every scoped resource on
// every exit path (spec §4.6.1).
func (w *Worker) runOne(ctx context.Context, exp experiment.Experiment, opts Options) error {
	cmd, err := command.Materialize(exp, w.collectionName, w.cfg, command.Options{
		Verbose:               false,
		Unobserved:            opts.Unobserved,
		PostMortem:            opts.PostMortem,
		Debug:                 opts.Debug,
		DebugServer:           opts.DebugServer,
		Unresolved:            false,
		ResolveInterpolations: true,
	})
	if err != nil {
		return err
	}

	workDir := exp.Seml.WorkingDir
	env := os.Environ()
	for k, v := range opts.Environment {
		env = append(env, k+"="+v)
	}

	if len(exp.Seml.SourceFiles) > 0 {
		tempDir, err := os.MkdirTemp(w.cfg.Seml.TmpDirectory, "seml-run-*")
		if err != nil {
			return fmt.Errorf("creating scoped run directory: %w", err)
		}
		if err := os.Chmod(tempDir, 0o700); err != nil {
			os.RemoveAll(tempDir)
			return fmt.Errorf("scoping run directory: %w", err)
		}
		defer os.RemoveAll(tempDir)

		if err := sources.Restore(ctx, w.sourceStore, exp.Seml.SourceFiles, tempDir); err != nil {
			return fmt.Errorf("restoring sources: %w", err)
		}
		workDir = tempDir
		env = append(env, "PYTHONPATH="+tempDir+":"+os.Getenv("PYTHONPATH"))
	}

	outputFile := ""
	if !opts.NoFileOutput {
		computed, err := w.computeOutputFile(exp)
		if err != nil {
			return err
		}
		outputFile = computed
		if err := w.gw.PersistOutputFile(ctx, exp.ID, outputFile); err != nil {
			return err
		}
	}

	if jobID := os.Getenv("SLURM_JOBID"); jobID != "" {
		if nodes, err := w.dispatcher.Squeue(ctx, jobID); err != nil {
			slog.Warn("could not query squeue for allocation nodes", "job_id", jobID, "error", err)
		} else {
			slog.Info("running inside a Slurm allocation", "job_id", jobID, "nodes", strings.TrimSpace(nodes))
		}
		if !opts.Unobserved {
			if err := w.gw.SetSlurmSelf(ctx, exp.ID, jobID, 0); err != nil {
				return err
			}
		}
	}

	if cmd.DebugPort != 0 {
		slog.Info("debug server listening", "attach_url", command.AttachURL(w.cfg.Seml.DebugServerHost, cmd.DebugPort))
	}

	shellCmd := cmd.ShellCommand()
	if exp.Seml.CondaEnvironment != "" {
		shellCmd = fmt.Sprintf("source activate %s && %s; source deactivate", shellquote.Quote(exp.Seml.CondaEnvironment), shellCmd)
	}

	// Not bound to ctx: cancelling the worker stops further claims but does
	// not kill the child that is already running.
	child := exec.Command("sh", "-c", shellCmd)
	child.Dir = workDir
	child.Env = env

	outFile, closeOut, err := w.wireOutput(child, outputFile, opts)
	if err != nil {
		// spec §7 "IOError on output file": Sacred never ran, so the engine
		// itself must force the terminal status rather than leave it RUNNING.
		if ferr := w.gw.ForceFailed(ctx, exp.ID); ferr != nil {
			return ferr
		}
		return fmt.Errorf("opening output file %s: %w", outputFile, err)
	}
	defer closeOut()
	_ = outFile

	runErr := child.Run()
	if runErr != nil && ctx.Err() != nil {
		return errCancelled
	}
	// A non-zero exit from the child is not this worker's error to report:
	// Sacred itself owns transitioning the experiment to COMPLETED/FAILED/
	// INTERRUPTED through its own observer, so runOne only surfaces process
	// start-up failures (e.g. the interpreter itself could not be found).
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return fmt.Errorf("starting experiment process: %w", runErr)
		}
	}
	return nil
}

// computeOutputFile resolves the output directory the same way the Slurm
// Dispatcher does for dispatched experiments (resolveOutputDir in
// pkg/slurm), so local and Slurm runs of the same collection land in the
// same directory and honor the same legacy slurm.output_dir fallback. The
// file name differs: the executable's base name, the experiment ID, and a
// random 8-character suffix.
func (w *Worker) computeOutputFile(exp experiment.Experiment) (string, error) {
	outDir := w.cfg.Seml.OutputDirectory
	if exp.Slurm.OutputDir != "" {
		slog.Warn("slurm.output_dir is deprecated, use seml.output_dir instead", "experiment_id", exp.ID)
		outDir = exp.Slurm.OutputDir
	}
	if exp.Seml.OutputDir != "" {
		outDir = exp.Seml.OutputDir
	}

	if _, err := os.Stat(outDir); err != nil {
		return "", errs.NewConfigError("seml.output_dir", fmt.Errorf("output directory %q does not exist: %w", outDir, err))
	}

	name := filepath.Base(exp.Seml.Executable)
	return filepath.Join(outDir, name+"_"+strconv.FormatInt(exp.ID, 10)+"_"+uuid.NewString()[:8]+".out"), nil
}

// wireOutput attaches the child's stdout/stderr according to the requested
// capture mode: file-only (the default), tee'd to both the file and the
// console, or terminal-only when file output is suppressed entirely.
func (w *Worker) wireOutput(child *exec.Cmd, outputFile string, opts Options) (*os.File, func(), error) {
	if opts.NoFileOutput {
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		return nil, func() {}, nil
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return nil, func() {}, err
	}

	if opts.OutputToConsole {
		child.Stdout = io.MultiWriter(f, os.Stdout)
		child.Stderr = io.MultiWriter(f, os.Stderr)
	} else {
		child.Stdout = f
		child.Stderr = f
	}

	return f, func() { _ = f.Close() }, nil
}
