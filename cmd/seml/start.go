package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/orchestrator"
)

var startFlags struct {
	local                 bool
	sacredID              int64
	batchID               int64
	filterDict            string
	numExps               int
	postMortem            bool
	debug                 bool
	debugServer           bool
	outputToConsole       bool
	noFileOutput          bool
	stealSlurm            bool
	noWorker              bool
	workerGPUs            string
	workerCPUs            int
	workerEnvironmentVars string
}

var startCmd = &cobra.Command{
	Use:   "start <collection>",
	Short: "Transition STAGED experiments to PENDING/RUNNING and dispatch them",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.BoolVar(&startFlags.local, "local", false, "run on this host via the Local Worker instead of submitting to Slurm")
	f.Int64Var(&startFlags.sacredID, "sacred-id", 0, "restrict to a single experiment ID (0 means unset)")
	f.Int64Var(&startFlags.batchID, "batch-id", 0, "restrict to one batch (0 means unset)")
	f.StringVar(&startFlags.filterDict, "filter-dict", "", "extra JSON filter merged into the selector")
	f.IntVarP(&startFlags.numExps, "num-exps", "n", 0, "cap on the number of experiments to stage (0 means unlimited)")
	f.BoolVar(&startFlags.postMortem, "post-mortem", false, "drop into pdb on an unhandled exception")
	f.BoolVar(&startFlags.debug, "debug", false, "debug mode: implies -n 1, unobserved, post-mortem, output-to-console, srun")
	f.BoolVar(&startFlags.debugServer, "debug-server", false, "like --debug, but wait for a remote debugpy client instead of pdb")
	f.BoolVar(&startFlags.outputToConsole, "output-to-console", false, "tee child output to the console in addition to the log file")
	f.BoolVar(&startFlags.noFileOutput, "no-file-output", false, "do not write the child's output to a log file")
	f.BoolVar(&startFlags.stealSlurm, "steal-slurm", false, "local worker: also claim experiments already dispatched to Slurm")
	f.BoolVar(&startFlags.noWorker, "no-worker", false, "local mode: stage experiments to PENDING without running a worker")
	f.StringVar(&startFlags.workerGPUs, "worker-gpus", "", "comma-separated GPU indices exposed to the local worker via CUDA_VISIBLE_DEVICES")
	f.IntVar(&startFlags.workerCPUs, "worker-cpus", 0, "CPU count exposed to the local worker via OMP_NUM_THREADS (0 means unset)")
	f.StringVar(&startFlags.workerEnvironmentVars, "worker-environment-vars", "", "extra JSON object of environment variables for the local worker's child")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collection := args[0]

	collab, err := bootstrap(ctx, collection)
	if err != nil {
		return err
	}
	defer collab.gw.Close(ctx)

	filter, err := parseJSONFilter(startFlags.filterDict)
	if err != nil {
		return errs.NewArgumentError("filter-dict", err)
	}
	envVars, err := parseEnvVarsJSON(startFlags.workerEnvironmentVars)
	if err != nil {
		return errs.NewArgumentError("worker-environment-vars", err)
	}

	opts := orchestrator.Options{
		Local:                 startFlags.local,
		Filter:                filter,
		NumExps:               startFlags.numExps,
		PostMortem:            startFlags.postMortem,
		Debug:                 startFlags.debug,
		DebugServer:           startFlags.debugServer,
		OutputToConsole:       startFlags.outputToConsole,
		NoFileOutput:          startFlags.noFileOutput,
		StealSlurm:            startFlags.stealSlurm,
		NoWorker:              startFlags.noWorker,
		WorkerGPUs:            startFlags.workerGPUs,
		WorkerCPUs:            startFlags.workerCPUs,
		WorkerEnvironmentVars: envVars,
	}
	if startFlags.sacredID != 0 {
		opts.SacredID = &startFlags.sacredID
	}
	if startFlags.batchID != 0 {
		opts.BatchID = &startFlags.batchID
	}

	runner := orchestrator.New(collab.cfg, collab.gw, collab.dispatcher, collab.wrk, collection)
	return runner.StartExperiments(ctx, opts)
}

func parseJSONFilter(raw string) (bson.M, error) {
	if raw == "" {
		return nil, nil
	}
	var m bson.M
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON filter: %w", err)
	}
	return m, nil
}

func parseEnvVarsJSON(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON environment map: %w", err)
	}
	return m, nil
}
