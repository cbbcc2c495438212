package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/command"
	"github.com/seml-project/seml/pkg/orchestrator"
)

var printCommandFlags struct {
	sacredID                int64
	batchID                 int64
	filterDict              string
	numExps                 int
	unresolved              bool
	noResolveInterpolations bool
}

var printCommandCmd = &cobra.Command{
	Use:   "print-command <collection>",
	Short: "Print the resolved shell command(s) for the matching experiments without running them",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrintCommand,
}

func init() {
	f := printCommandCmd.Flags()
	f.Int64Var(&printCommandFlags.sacredID, "sacred-id", 0, "restrict to a single experiment ID (0 means unset)")
	f.Int64Var(&printCommandFlags.batchID, "batch-id", 0, "restrict to one batch (0 means unset)")
	f.StringVar(&printCommandFlags.filterDict, "filter-dict", "", "extra JSON filter merged into the selector")
	f.IntVarP(&printCommandFlags.numExps, "num-exps", "n", 0, "cap on the number of experiments to print (0 means unlimited)")
	f.BoolVar(&printCommandFlags.unresolved, "unresolved", false, "print the unresolved (templated) command instead")
	f.BoolVar(&printCommandFlags.noResolveInterpolations, "no-resolve-interpolations", false, "skip ${...} interpolation resolution")
	rootCmd.AddCommand(printCommandCmd)
}

func runPrintCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collection := args[0]

	collab, err := bootstrap(ctx, collection)
	if err != nil {
		return err
	}
	defer collab.gw.Close(ctx)

	filter, err := parseJSONFilter(printCommandFlags.filterDict)
	if err != nil {
		return errs.NewArgumentError("filter-dict", err)
	}
	var sacredID, batchID *int64
	if printCommandFlags.sacredID != 0 {
		sacredID = &printCommandFlags.sacredID
	}
	if printCommandFlags.batchID != 0 {
		batchID = &printCommandFlags.batchID
	}

	resolvedFilter := buildPrintFilter(batchID, filter, sacredID)
	exps, err := collab.gw.FindLimited(ctx, resolvedFilter, int64(printCommandFlags.numExps))
	if err != nil {
		return err
	}
	if len(exps) == 0 {
		return nil
	}

	opts := command.Options{
		Unresolved:            printCommandFlags.unresolved,
		ResolveInterpolations: !printCommandFlags.noResolveInterpolations,
	}

	report, err := command.BuildReport(exps[0], collection, collab.cfg, opts)
	if err != nil {
		return err
	}
	ideArgs, err := report.IDEArgsJSON()
	if err != nil {
		return err
	}
	fmt.Println("executable:", report.Executable)
	if report.CondaEnvironment != "" {
		fmt.Println("conda environment:", report.CondaEnvironment)
	}
	fmt.Println("IDE args (JSON):", ideArgs)
	fmt.Println("post-mortem command:", report.PostMortemCommand)
	fmt.Println("remote-debug command:", report.RemoteDebugCommand)
	fmt.Println("remote-debug attach URL:", report.AttachURL)
	fmt.Println()

	fmt.Println(report.Command) // exps[0], already materialized above
	for _, exp := range exps[1:] {
		materialized, err := command.Materialize(exp, collection, collab.cfg, opts)
		if err != nil {
			return err
		}
		fmt.Println(materialized.ShellCommand())
	}
	return nil
}

// buildPrintFilter mirrors orchestrator's buildFilterDict/withStagedDefault
// pair, but print-command never narrows to STAGED: it reports on whatever
// status the caller's filter already selects.
func buildPrintFilter(batchID *int64, userFilter map[string]any, sacredID *int64) map[string]any {
	filter := map[string]any{}
	for k, v := range userFilter {
		filter[k] = v
	}
	if batchID != nil {
		filter["batch_id"] = *batchID
	}
	if sacredID != nil {
		filter["_id"] = *sacredID
	}
	return filter
}
