package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/seml-project/seml/pkg/prepare"
)

var prepareFlags struct {
	verbose          bool
	unobserved       bool
	postMortem       bool
	storedSourcesDir string
	debugServer      bool
}

var prepareExperimentCmd = &cobra.Command{
	Use:   "prepare-experiment <collection> <id>",
	Short: "Claim one Slurm array task's experiment and print its resolved command (internal)",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrepareExperiment,
}

func init() {
	f := prepareExperimentCmd.Flags()
	f.BoolVar(&prepareFlags.verbose, "verbose", false, "log the collection and experiment id being prepared at debug level")
	f.BoolVar(&prepareFlags.unobserved, "unobserved", false, "claim without persisting the resolved command (debug runs)")
	f.BoolVar(&prepareFlags.postMortem, "post-mortem", false, "resolved command drops into pdb on an unhandled exception")
	f.StringVar(&prepareFlags.storedSourcesDir, "stored-sources-dir", "", "per-node directory to restore the source snapshot into")
	f.BoolVar(&prepareFlags.debugServer, "debug-server", false, "resolved command waits for a remote debugpy client")
	rootCmd.AddCommand(prepareExperimentCmd)
}

// runPrepareExperiment returns an error to cobra only when the id argument
// is malformed or bootstrap fails (main's generic exit-1 path). Once the
// collaborators are wired it calls os.Exit directly, since spec §4.7/§6
// assign specific meaning to exit codes 0/3/4.
func runPrepareExperiment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collection := args[0]
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid experiment id %q: %w", args[1], err)
	}

	collab, err := bootstrap(ctx, collection)
	if err != nil {
		return err
	}
	defer collab.gw.Close(ctx)

	if prepareFlags.verbose {
		slog.Debug("preparing experiment", "collection", collection, "id", id)
	}

	rank := prepare.NewRankPolicyFromEnv()
	code, shellCmd, err := prepare.Run(ctx, collab.gw, collab.sourceStore, collab.cfg, collection, id, prepare.Options{
		Unobserved:       prepareFlags.unobserved,
		PostMortem:       prepareFlags.postMortem,
		DebugServer:      prepareFlags.debugServer,
		StoredSourcesDir: prepareFlags.storedSourcesDir,
	}, rank)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	if shellCmd != "" {
		fmt.Println(shellCmd)
	}
	os.Exit(code)
	return nil
}
