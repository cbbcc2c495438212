// Package command is the Command Materializer (spec §4.3): given an
// experiment document, it produces the exact shell invocation SEML hands
// to the experiment's own process — interpolation, named-config
// separation, value encoding, Sacred flag assembly, and interpreter
// selection (plain python vs. a debugpy remote-debug wrapper).
package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/internal/shellquote"
	"github.com/seml-project/seml/pkg/config"
	"github.com/seml-project/seml/pkg/experiment"
)

// Options are the per-invocation flags spec §4.3 lists as Materializer
// inputs, plus Debug (the plain, non-remote debugger flag the "--debug"
// Sacred flag corresponds to — see E4 in spec §8, which exercises --debug
// independently of --debug-server).
type Options struct {
	Verbose               bool
	Unobserved            bool
	PostMortem            bool
	Debug                 bool
	DebugServer           bool
	Unresolved            bool
	ResolveInterpolations bool
	UseJSONEncoding       bool
}

// Command is the materialized invocation: interpreter tokens (e.g.
// ["python"] or the debugpy wrapper), the executable path, and the
// ordered argv tail of k=v tokens, named-config tokens, and Sacred flags.
type Command struct {
	Interpreter []string
	Executable  string
	ArgvTail    []string
	DebugPort   int // 0 unless DebugServer was requested
}

// ShellCommand renders the full, shell-quoted invocation in the format
// spec §6 documents: `python <exe> with k1=<v1> ... [--flags]`.
func (c Command) ShellCommand() string {
	parts := make([]string, 0, len(c.Interpreter)+len(c.ArgvTail)+2)
	parts = append(parts, c.Interpreter...)
	parts = append(parts, c.Executable, "with")
	parts = append(parts, c.ArgvTail...)
	return shellquote.Join(parts)
}

// Materialize runs the full algorithm of spec §4.3.
func Materialize(exp experiment.Experiment, collectionName string, cfg *config.Config, opts Options) (Command, error) {
	if exp.Seml.Executable == "" {
		return Command{}, errs.NewConfigError("seml.executable", fmt.Errorf("experiment %d has no executable", exp.ID))
	}

	cfgMap, namedConfigs := selectConfig(exp, cfg.Seml.NamedConfigPrefix, opts.Unresolved)

	// Interpolation only ever runs in the unresolved branch: a resolved
	// config was already interpolated when it was written, and is used
	// verbatim here even if it still contains literal ${...} text.
	if opts.Unresolved && opts.ResolveInterpolations {
		ctx, err := buildInterpolationContext(exp, cfg.InterpolationWhitelist)
		if err != nil {
			return Command{}, err
		}
		resolved, err := ResolveInterpolations(cfgMap, ctx)
		if err != nil {
			return Command{}, err
		}
		cfgMap = resolved.(map[string]any)
	}

	final := make(map[string]any, len(cfgMap)+2)
	for k, v := range cfgMap {
		final[k] = v
	}
	final["db_collection"] = collectionName
	if !opts.Unobserved {
		final["overwrite"] = exp.ID
	}

	argvTail, err := encodeArgv(final, opts.UseJSONEncoding)
	if err != nil {
		return Command{}, err
	}
	argvTail = append(argvTail, namedConfigs...)
	argvTail = append(argvTail, sacredFlags(opts)...)

	interpreter := []string{"python"}
	debugPort := 0
	if opts.DebugServer {
		port, err := freePort(cfg.Seml.DebugServerHost)
		if err != nil {
			return Command{}, err
		}
		debugPort = port
		interpreter = []string{
			"python", "-m", "debugpy",
			"--listen", fmt.Sprintf("%s:%d", cfg.Seml.DebugServerHost, port),
			"--wait-for-client",
		}
	}

	return Command{
		Interpreter: interpreter,
		Executable:  exp.Seml.Executable,
		ArgvTail:    argvTail,
		DebugPort:   debugPort,
	}, nil
}

// selectConfig implements spec §4.3 step 1: in unresolved mode, take
// config_unresolved (falling back to config) and separate out named-config
// selectors; otherwise take config verbatim with no named configs.
func selectConfig(exp experiment.Experiment, namedConfigPrefix string, unresolved bool) (map[string]any, []string) {
	if !unresolved {
		return map[string]any(exp.Config), nil
	}

	source := exp.EffectiveConfig()
	cfgMap := make(map[string]any, len(source))
	var named []string
	for k, v := range source {
		if namedConfigPrefix != "" && strings.HasPrefix(k, namedConfigPrefix) {
			named = append(named, strings.TrimPrefix(k, namedConfigPrefix))
			continue
		}
		cfgMap[k] = v
	}
	sort.Strings(named)
	return cfgMap, named
}

// encodeArgv renders every config entry as a sorted, deterministic list of
// "k=v" tokens.
func encodeArgv(final map[string]any, useJSON bool) ([]string, error) {
	keys := make([]string, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	argv := make([]string, 0, len(keys))
	for _, k := range keys {
		encoded, err := encodeValue(final[k], useJSON)
		if err != nil {
			return nil, errs.NewConfigError(k, err)
		}
		argv = append(argv, k+"="+encoded)
	}
	return argv, nil
}

// sacredFlags assembles the flag tail of spec §4.3 step 5.
func sacredFlags(opts Options) []string {
	var flags []string
	if !opts.Verbose {
		flags = append(flags, "--force")
	}
	if opts.Unobserved {
		flags = append(flags, "--unobserved")
	}
	if opts.PostMortem {
		flags = append(flags, "--pdb")
	}
	if opts.Debug {
		flags = append(flags, "--debug")
	}
	return flags
}
