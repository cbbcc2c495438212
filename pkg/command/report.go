package command

import (
	"encoding/json"
	"fmt"

	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
)

// Report is the verbose, IDE-oriented rendering print-command produces for
// the first experiment in a result set: the plain invocation plus enough
// material to wire a debugger by hand, carried over from the original
// implementation's print_command (spec SUPPLEMENTED FEATURES).
type Report struct {
	Executable         string
	CondaEnvironment   string
	Command            string
	IDEArgs            []string // argv tail, JSON-encodable for a VS Code/PyCharm launch config
	PostMortemCommand  string
	RemoteDebugCommand string
	AttachURL          string // vscode:// launch URL for the remote-debug command's debugpy port
}

// BuildReport materializes exp three ways — plain, post-mortem, and
// remote-debug — to assemble the fields a developer wiring an IDE launch
// configuration needs, without duplicating Materialize's own algorithm.
func BuildReport(exp experiment.Experiment, collectionName string, cfg *config.Config, base Options) (Report, error) {
	plain, err := Materialize(exp, collectionName, cfg, base)
	if err != nil {
		return Report{}, err
	}

	postMortemOpts := base
	postMortemOpts.PostMortem = true
	postMortem, err := Materialize(exp, collectionName, cfg, postMortemOpts)
	if err != nil {
		return Report{}, err
	}

	remoteOpts := base
	remoteOpts.DebugServer = true
	remote, err := Materialize(exp, collectionName, cfg, remoteOpts)
	if err != nil {
		return Report{}, err
	}

	return Report{
		Executable:         exp.Seml.Executable,
		CondaEnvironment:   exp.Seml.CondaEnvironment,
		Command:            plain.ShellCommand(),
		IDEArgs:            append([]string{plain.Executable}, plain.ArgvTail...),
		PostMortemCommand:  postMortem.ShellCommand(),
		RemoteDebugCommand: remote.ShellCommand(),
		AttachURL:          AttachURL(cfg.Seml.DebugServerHost, remote.DebugPort),
	}, nil
}

// IDEArgsJSON renders IDEArgs the way a VS Code/PyCharm "args" launch
// configuration array expects: one JSON string per token.
func (r Report) IDEArgsJSON() (string, error) {
	data, err := json.Marshal(r.IDEArgs)
	if err != nil {
		return "", fmt.Errorf("encoding IDE args: %w", err)
	}
	return string(data), nil
}
