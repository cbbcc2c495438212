// Package prepare is the Preparation Hook (spec §4.7): the short-lived
// process a Slurm array task's rendered sbatch script execs once per
// experiment ID before handing off to the real Sacred run. It performs the
// atomic PENDING→RUNNING claim for its own task placement, restores sources
// on the local-main rank, and prints the resolved command for the sbatch
// script to eval — or exits 3/4 to tell the script the experiment could not
// be started.
package prepare

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/command"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
	"github.com/seml-project/seml/pkg/sources"
	"github.com/seml-project/seml/pkg/storage"
)

// Exit codes spec §4.7/§6 assign specific meaning to.
const (
	ExitOK           = 0
	ExitNotClaimable = 3
	ExitNotFound     = 4
)

// Options are the per-invocation flags passed down from the sbatch
// script's per-ID prepare-experiment call.
type Options struct {
	Unobserved       bool
	PostMortem       bool
	DebugServer      bool
	StoredSourcesDir string // per-node restore target; "" disables restore
}

// Run executes the hook for one experiment ID, returning the process exit
// code the caller (cmd/seml) should use and the resolved command string to
// print on success.
func Run(ctx context.Context, gw *storage.Gateway, sourceStore *sources.Store, cfg *config.Config, collectionName string, id int64, opts Options, rank RankPolicy) (int, string, error) {
	if opts.StoredSourcesDir != "" && rank.IsLocalMain() {
		if err := restoreIfEmpty(ctx, sourceStore, gw, id, opts.StoredSourcesDir); err != nil {
			return ExitNotFound, "", err
		}
	}

	if !rank.IsGlobalMain() {
		// Other ranks on this node (and every rank on non-global nodes)
		// contribute nothing further: only the global main process writes
		// to the database and prints a command for the script to eval.
		return ExitOK, "", nil
	}

	_, err := gw.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ExitNotFound, "", nil
		}
		return ExitNotFound, "", err
	}

	slurmCtx := slurmTaskContextFromEnv()
	claimed, err := gw.ClaimForRun(ctx, id, opts.Unobserved, slurmCtx)
	if err != nil {
		if errors.Is(err, errs.ErrNotClaimable) {
			return ExitNotClaimable, "", nil
		}
		return ExitNotClaimable, "", err
	}

	cfgMap := claimed.Config
	if rank.IsMultiProcess() && cfg.Seml.ConfigKeySeed != "" {
		if _, hasSeed := cfgMap[cfg.Seml.ConfigKeySeed]; !hasSeed {
			// All ranks of a multi-process task must observe the same seed;
			// since only the global main computes and persists the command,
			// injecting it here is enough for the single process that
			// actually execs Sacred. Both Config and ConfigUnresolved get the
			// seed, since the unresolved command materializes from whichever
			// of the two EffectiveConfig prefers.
			seed, err := randomSeed()
			if err != nil {
				return ExitNotClaimable, "", err
			}
			cfgMap = cloneWithSeed(cfgMap, cfg.Seml.ConfigKeySeed, seed)
			claimed.Config = cfgMap
			if claimed.ConfigUnresolved != nil {
				claimed.ConfigUnresolved = cloneWithSeed(claimed.ConfigUnresolved, cfg.Seml.ConfigKeySeed, seed)
			}
		}
	}

	resolved, err := command.Materialize(*claimed, collectionName, cfg, command.Options{
		Unobserved:            opts.Unobserved,
		PostMortem:            opts.PostMortem,
		DebugServer:           opts.DebugServer,
		ResolveInterpolations: true,
	})
	if err != nil {
		return ExitNotClaimable, "", err
	}
	unresolved, err := command.Materialize(*claimed, collectionName, cfg, command.Options{
		Unobserved:            opts.Unobserved,
		PostMortem:            opts.PostMortem,
		DebugServer:           opts.DebugServer,
		Unresolved:            true,
		ResolveInterpolations: true,
	})
	if err != nil {
		return ExitNotClaimable, "", err
	}

	if !opts.Unobserved {
		if err := gw.PersistCommand(ctx, id, resolved.ShellCommand(), unresolved.ShellCommand(), opts.StoredSourcesDir); err != nil {
			return ExitNotClaimable, "", err
		}
	}

	return ExitOK, resolved.ShellCommand(), nil
}

// restoreIfEmpty restores an experiment's source snapshot into dir, but
// only if dir is still empty — a second rank on the same node racing the
// first must not redundantly restore (spec §4.7 step 2).
func restoreIfEmpty(ctx context.Context, sourceStore *sources.Store, gw *storage.Gateway, id int64, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
		} else {
			return err
		}
	} else if len(entries) > 0 {
		return nil
	}

	exp, err := gw.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return sources.Restore(ctx, sourceStore, exp.Seml.SourceFiles, dir)
}

// slurmTaskContextFromEnv builds the task-placement context ClaimForRun
// uses to recognize "this is my own array task" from the Slurm-populated
// environment. Returns nil if the task environment variables are absent
// (e.g. manual invocation outside a Slurm task), in which case ClaimForRun
// falls back to the plain PENDING-only predicate.
func slurmTaskContextFromEnv() *storage.SlurmTaskContext {
	arrayID := os.Getenv("SLURM_ARRAY_JOB_ID")
	taskStr := os.Getenv("SLURM_ARRAY_TASK_ID")
	if arrayID == "" || taskStr == "" {
		return nil
	}
	taskID, err := strconv.Atoi(taskStr)
	if err != nil {
		return nil
	}
	return &storage.SlurmTaskContext{ArrayJobID: arrayID, ArrayTaskID: taskID}
}

func cloneWithSeed(cfg experiment.Config, key string, seed int64) experiment.Config {
	out := make(experiment.Config, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out[key] = seed
	return out
}

func randomSeed() (int64, error) {
	buf := make([]byte, 8)
	if _, err := cryptorand.Read(buf); err != nil {
		return 0, fmt.Errorf("generating seed: %w", err)
	}
	var n int64
	for _, b := range buf {
		n = n<<8 | int64(b)
	}
	if n < 0 {
		n = -n
	}
	return n, nil
}
