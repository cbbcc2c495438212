// Package worker is the Local Worker (spec §4.6): it repeatedly claims one
// matching experiment at a time and runs it in the current process, until
// no more experiments match or a job-count cap is hit. Unlike the queue
// worker it is generalized from, it is not a long-lived daemon — spec §2
// non-goals rule that out — so its loop terminates rather than polls
// forever.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
	"github.com/seml-project/seml/pkg/slurm"
	"github.com/seml-project/seml/pkg/sources"
	"github.com/seml-project/seml/pkg/storage"
)

// Options are the per-invocation flags spec §4.6 and §4.6.1 list.
type Options struct {
	Filter bson.M // extra selector narrowing which experiments are eligible

	Unobserved  bool
	StealSlurm  bool // include experiments already dispatched to Slurm
	MaxJobs     int  // 0 means unlimited
	OutputToConsole bool
	NoFileOutput    bool
	PostMortem      bool
	Debug           bool
	DebugServer     bool

	Environment map[string]string // extra environment variables for the child
}

// Worker runs experiments locally, claiming them from the Storage Gateway.
type Worker struct {
	cfg            *config.Config
	gw             *storage.Gateway
	sourceStore    *sources.Store
	dispatcher     *slurm.Dispatcher
	collectionName string
}

// New builds a Worker bound to one collection.
func New(cfg *config.Config, gw *storage.Gateway, sourceStore *sources.Store, dispatcher *slurm.Dispatcher, collectionName string) *Worker {
	return &Worker{cfg: cfg, gw: gw, sourceStore: sourceStore, dispatcher: dispatcher, collectionName: collectionName}
}

// errCancelled is returned internally when the run loop must stop because
// the context was cancelled (e.g. SIGINT), letting Run distinguish "ran out
// of matching experiments" from "asked to stop".
var errCancelled = errors.New("worker: cancelled")

// Run claims and executes matching experiments one at a time until none
// remain, MaxJobs is reached, or ctx is cancelled. A cancellation never
// aborts a child process mid-run (spec §4.6.1, "SIGINT stops claiming, not
// the running child") — Run simply does not start another iteration.
func (w *Worker) Run(ctx context.Context, opts Options) error {
	if err := CheckNotLoginNode(w.cfg); err != nil {
		return err
	}

	log := slog.With("collection", w.collectionName)
	jobsDone := 0

	for {
		if ctx.Err() != nil {
			log.Info("worker stopping, context cancelled")
			return nil
		}
		if opts.MaxJobs > 0 && jobsDone >= opts.MaxJobs {
			log.Info("worker reached max jobs", "max_jobs", opts.MaxJobs)
			return nil
		}

		filter := w.buildFilter(opts)
		candidates, err := w.gw.Find(ctx, filter)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		candidate := candidates[0]

		claimed, err := w.gw.ClaimForRun(ctx, candidate.ID, opts.Unobserved, nil)
		if err != nil {
			if errors.Is(err, errs.ErrNotClaimable) {
				// Lost the race to another worker; try the next candidate.
				continue
			}
			return err
		}

		if candidate.Slurm.Dispatched() && candidate.Slurm.TaskID != nil {
			// Spec §5 "steal safety": the document is already cleaned up
			// (ClaimForRun cleared slurm.array_id/task_id atomically), so it
			// is now safe to cancel the Slurm task we stole the work from.
			if err := w.dispatcher.Scancel(ctx, candidate.Slurm.ArrayID, *candidate.Slurm.TaskID); err != nil {
				log.Warn("failed to cancel stolen slurm task", "array_id", candidate.Slurm.ArrayID, "task_id", *candidate.Slurm.TaskID, "error", err)
			}
		}

		if err := w.runOne(ctx, *claimed, opts); err != nil {
			if errors.Is(err, errCancelled) {
				return nil
			}
			log.Error("experiment run failed", "experiment_id", claimed.ID, "error", err)
		}
		jobsDone++
	}
}

// buildFilter composes the caller's selector with the eligibility
// conditions spec §4.6 requires: PENDING (unless unobserved skips status
// altogether by delegating straight to ClaimForRun's read-only path), and
// not already dispatched to Slurm unless StealSlurm is set.
func (w *Worker) buildFilter(opts Options) bson.M {
	filter := bson.M{}
	for k, v := range opts.Filter {
		filter[k] = v
	}
	if !opts.Unobserved {
		filter["status"] = string(experiment.StatusPending)
	}
	if !opts.StealSlurm {
		filter["$or"] = []bson.M{
			{"slurm.array_id": bson.M{"$exists": false}},
			{"slurm.array_id": ""},
		}
	}
	return filter
}

// CheckNotLoginNode refuses to run on a configured login node (spec §4.6
// step 0): running compute jobs there would consume a shared, unscheduled
// resource. The Lifecycle Orchestrator calls this before routing to the
// local path at all, since it is also true of `--local` requests that never
// reach Worker.Run.
func CheckNotLoginNode(cfg *config.Config) error {
	host, err := os.Hostname()
	if err != nil {
		return nil // can't tell; fail open rather than block every run
	}
	for _, name := range cfg.Slurm.LoginNodeNames {
		if name == host {
			return errs.NewArgumentError("local", fmt.Errorf("%w: %s", errs.ErrOnLoginNode, host))
		}
	}
	return nil
}
