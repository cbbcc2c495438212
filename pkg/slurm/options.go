package slurm

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/seml-project/seml/internal/errs"
)

// forbiddenSbatchKeys are sbatch options the Dispatcher itself derives and
// a caller must never set directly (spec §4.5 step 1, §8 E6). "comment" is
// checked separately in buildSbatchOptions: it is only forbidden when it
// disagrees with the collection name the Dispatcher would derive itself,
// matching the original's `set_slurm_job_name`.
var forbiddenSbatchKeys = []string{"output", "job-name"}

// expName derives the short name used in job-name and output-file
// templates from an experiment's executable path: the base filename with
// its extension stripped.
func expName(executable string) string {
	base := filepath.Base(executable)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// buildSbatchOptions copies the batch's caller-supplied sbatch options,
// rejecting any of the forbidden keys, then derives job-name, comment, and
// array from the batch and submission context.
//
// n is the number of tasks in the array; outputDir is "" to request
// /dev/null output (file output suppressed).
func buildSbatchOptions(callerOptions map[string]string, executable, collectionName string, batchID int64, n int, maxSimultaneousJobs *int, outputDir string) (map[string]string, error) {
	for _, key := range forbiddenSbatchKeys {
		if _, ok := callerOptions[key]; ok {
			return nil, errs.NewConfigError("slurm.sbatch_options."+key, fmt.Errorf("sbatch option %q is derived automatically and must not be set", key))
		}
	}
	if comment, ok := callerOptions["comment"]; ok && comment != collectionName {
		return nil, errs.NewConfigError("slurm.sbatch_options.comment", fmt.Errorf("sbatch option \"comment\" must equal the collection name %q, got %q", collectionName, comment))
	}

	opts := make(map[string]string, len(callerOptions)+3)
	for k, v := range callerOptions {
		opts[k] = v
	}

	name := expName(executable)
	opts["job-name"] = fmt.Sprintf("%s_%d", name, batchID)
	opts["comment"] = collectionName

	arrayRange := fmt.Sprintf("0-%d", n-1)
	if maxSimultaneousJobs != nil {
		arrayRange = fmt.Sprintf("%s%%%d", arrayRange, *maxSimultaneousJobs)
	}
	opts["array"] = arrayRange

	if outputDir == "" {
		opts["output"] = "/dev/null"
	} else {
		opts["output"] = filepath.Join(outputDir, fmt.Sprintf("%s_%%A_%%a.out", name))
	}

	return opts, nil
}
