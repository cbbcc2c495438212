// Package orchestrator is the Lifecycle Orchestrator (spec §4.8): the
// component `seml start` calls into. It validates the flag combination a
// caller asked for, resolves the set of STAGED experiments it applies to,
// transitions them to PENDING, and routes to either the Slurm Dispatcher or
// the Local Worker.
package orchestrator

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/chunk"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
	"github.com/seml-project/seml/pkg/slurm"
	"github.com/seml-project/seml/pkg/storage"
	"github.com/seml-project/seml/pkg/worker"
)

// Options mirrors the `seml start` flag surface (spec §4.8, original
// implementation's start_experiments).
type Options struct {
	Local    bool
	SacredID *int64
	BatchID  *int64
	Filter   bson.M
	NumExps  int

	PostMortem      bool
	Debug           bool
	DebugServer     bool
	OutputToConsole bool
	NoFileOutput    bool

	StealSlurm bool
	NoWorker   bool

	WorkerGPUs            string
	WorkerCPUs            int
	WorkerEnvironmentVars map[string]string
}

// Runner bundles the collaborators StartExperiments dispatches to.
type Runner struct {
	cfg            *config.Config
	gw             *storage.Gateway
	dispatcher     *slurm.Dispatcher
	wrk            *worker.Worker
	collectionName string
}

// New builds a Runner for one collection.
func New(cfg *config.Config, gw *storage.Gateway, dispatcher *slurm.Dispatcher, wrk *worker.Worker, collectionName string) *Runner {
	return &Runner{cfg: cfg, gw: gw, dispatcher: dispatcher, wrk: wrk, collectionName: collectionName}
}

// StartExperiments runs the full validate → stage → dispatch algorithm of
// spec §4.8.
func (r *Runner) StartExperiments(ctx context.Context, opts Options) error {
	resolved, err := resolveFlags(opts)
	if err != nil {
		return err
	}
	if opts.Debug || opts.DebugServer {
		opts.NumExps = 1
	}

	if resolved.Local {
		if err := worker.CheckNotLoginNode(r.cfg); err != nil {
			return err
		}
	}

	filter := buildFilterDict(nil, opts.BatchID, opts.Filter, opts.SacredID)
	filter = withStagedDefault(filter)

	staged, err := r.prepareStagedExperiments(ctx, filter, opts.NumExps, resolved.SetToPending && resolved.Local)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return nil
	}

	if resolved.DebugServer && len(staged[0].Seml.SourceFiles) > 0 {
		return errs.NewArgumentError("debug-server", fmt.Errorf(
			"cannot use a debug server with source code loaded from the database; disable source snapshotting for this experiment"))
	}

	if !resolved.Local {
		return r.dispatchToSlurm(ctx, staged, resolved)
	}
	if !opts.NoWorker {
		return r.dispatchToLocalWorker(ctx, filter, opts, resolved)
	}
	return nil
}

// resolvedFlags is the post-validation, post-implication flag set the rest
// of StartExperiments acts on.
type resolvedFlags struct {
	Local           bool
	Unobserved      bool
	PostMortem      bool
	DebugServer     bool
	OutputToConsole bool
	Srun            bool
	SetToPending    bool
}

// resolveFlags applies the debug/debug_server implied-flags block and the
// local-only / Slurm-only argument-combination checks (spec §4.8 step 1,
// §8's REDESIGN-FLAG-driven validation).
func resolveFlags(opts Options) (resolvedFlags, error) {
	r := resolvedFlags{Local: opts.Local, SetToPending: true}

	if opts.Debug || opts.DebugServer {
		r.Unobserved = true
		r.PostMortem = true
		r.OutputToConsole = true
		r.Srun = true
		r.DebugServer = opts.DebugServer
	} else {
		r.PostMortem = opts.PostMortem
		r.OutputToConsole = opts.OutputToConsole
		r.DebugServer = opts.DebugServer
	}

	if !opts.Local {
		if opts.NoWorker {
			return r, errs.NewArgumentError("no-worker", fmt.Errorf("only works in local mode, not in Slurm mode"))
		}
		if opts.StealSlurm {
			return r, errs.NewArgumentError("steal-slurm", fmt.Errorf("only works in local mode, not in Slurm mode"))
		}
		if opts.WorkerGPUs != "" {
			return r, errs.NewArgumentError("worker-gpus", fmt.Errorf("only works in local mode, not in Slurm mode"))
		}
		if opts.WorkerCPUs != 0 {
			return r, errs.NewArgumentError("worker-cpus", fmt.Errorf("only works in local mode, not in Slurm mode"))
		}
		if len(opts.WorkerEnvironmentVars) > 0 {
			return r, errs.NewArgumentError("worker-environment-vars", fmt.Errorf("only works in local mode, not in Slurm mode"))
		}
	}

	if !opts.Local && !r.Srun {
		if r.PostMortem {
			return r, errs.NewArgumentError("post-mortem", fmt.Errorf("does not work in regular Slurm mode; remove the argument or use --debug"))
		}
		if r.OutputToConsole {
			return r, errs.NewArgumentError("output-to-console", fmt.Errorf("does not work in regular Slurm mode; remove the argument or use --debug"))
		}
	}

	if r.Unobserved {
		r.SetToPending = false
	}

	return r, nil
}

// prepareStagedExperiments is the original implementation's
// prepare_staged_experiments: load matching documents, optionally bulk-set
// them PENDING, scoped to num_exps if positive (spec §4.8 step 2).
func (r *Runner) prepareStagedExperiments(ctx context.Context, filter bson.M, numExps int, setToPending bool) ([]experiment.Experiment, error) {
	staged, err := r.gw.FindLimited(ctx, filter, int64(numExps))
	if err != nil {
		return nil, err
	}
	if !setToPending || len(staged) == 0 {
		return staged, nil
	}

	if numExps > 0 {
		ids := make([]int64, len(staged))
		for i, e := range staged {
			ids[i] = e.ID
		}
		if _, err := r.gw.SetPending(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
			return nil, err
		}
	} else if _, err := r.gw.SetPending(ctx, filter); err != nil {
		return nil, err
	}

	for i := range staged {
		staged[i].Status = experiment.StatusPending
	}
	return staged, nil
}

// dispatchToSlurm routes staged experiments to sbatch (the common case) or
// srun (the debug-session case, a length-1 array run attached to the
// terminal).
func (r *Runner) dispatchToSlurm(ctx context.Context, staged []experiment.Experiment, flags resolvedFlags) error {
	if flags.Srun {
		if len(staged) != 1 {
			return errs.NewArgumentError("debug", fmt.Errorf("a debug session runs exactly one experiment, got %d", len(staged)))
		}
		var extra []string
		extra = append(extra, "--debug")
		if flags.PostMortem {
			extra = append(extra, "--post-mortem")
		}
		if flags.OutputToConsole {
			extra = append(extra, "--output-to-console")
		}
		if flags.DebugServer {
			extra = append(extra, "--debug-server")
		}
		return r.dispatcher.SubmitSrun(ctx, staged[0], extra)
	}

	arrays := chunk.Build(staged)
	for _, array := range arrays {
		if _, err := r.dispatcher.SubmitArrayWithOptions(ctx, array, slurm.SubmitOptions{
			DebugServer:     flags.DebugServer,
			OutputToConsole: flags.OutputToConsole,
		}); err != nil {
			return err
		}
	}
	return nil
}

// dispatchToLocalWorker routes to the Local Worker (spec §4.8 step 4,
// "start_local_worker"), composing its environment from the CUDA/OMP
// variables the original implementation derives from --worker-gpus/--cpus.
func (r *Runner) dispatchToLocalWorker(ctx context.Context, filter bson.M, opts Options, flags resolvedFlags) error {
	return r.wrk.Run(ctx, worker.Options{
		Filter:          filter,
		Unobserved:      flags.Unobserved,
		StealSlurm:      opts.StealSlurm,
		MaxJobs:         opts.NumExps,
		OutputToConsole: flags.OutputToConsole,
		NoFileOutput:    opts.NoFileOutput,
		PostMortem:      flags.PostMortem,
		Debug:           flags.Srun,
		DebugServer:     flags.DebugServer,
		Environment:     environmentVariables(opts),
	})
}

// environmentVariables derives CUDA_VISIBLE_DEVICES/OMP_NUM_THREADS from
// --worker-gpus/--worker-cpus the way get_environment_variables does,
// layered over any explicit --worker-environment-vars entries: a derived
// value replaces an explicit entry of the same name.
func environmentVariables(opts Options) map[string]string {
	env := make(map[string]string, len(opts.WorkerEnvironmentVars)+2)
	for k, v := range opts.WorkerEnvironmentVars {
		env[k] = v
	}
	if opts.WorkerGPUs != "" {
		env["CUDA_VISIBLE_DEVICES"] = opts.WorkerGPUs
	}
	if opts.WorkerCPUs != 0 {
		env["OMP_NUM_THREADS"] = fmt.Sprint(opts.WorkerCPUs)
	}
	return env
}
