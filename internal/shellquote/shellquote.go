// Package shellquote provides the single shell-quoting primitive used by
// the Command Materializer and the Local Worker's conda-activation
// one-liner, so the shell-concatenation concern lives in exactly one place
// (spec §9).
package shellquote

import "strings"

// Quote returns s unchanged when it contains no shell metacharacters, and
// otherwise wraps it in POSIX single quotes, escaping any embedded single
// quote as '\'' (close quote, escaped quote, reopen quote). The empty string
// becomes ''. The result is safe to splice into a shell command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, "'\"\\ \t\n$`!*?[]{}()<>|&;~#%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with spaces.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
