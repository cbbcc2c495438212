package command

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/seml-project/seml/internal/errs"
	"github.com/seml-project/seml/pkg/experiment"
)

var interpolationPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// buildInterpolationContext assembles the union of document fields,
// config_unresolved, and named configs that spec §4.3 step 2 allows an
// interpolation to reference, restricted to the whitelist configured
// globally (spec §9: "injected configuration... especially the
// interpolation whitelist").
func buildInterpolationContext(exp experiment.Experiment, whitelist []string) (map[string]any, error) {
	all := map[string]any{
		"config": map[string]any(exp.Config),
	}
	if exp.ConfigUnresolved != nil {
		all["config_unresolved"] = map[string]any(exp.ConfigUnresolved)
	}

	semlMap, err := structToMap(exp.Seml)
	if err != nil {
		return nil, err
	}
	all["seml"] = semlMap

	slurmMap, err := structToMap(exp.Slurm)
	if err != nil {
		return nil, err
	}
	all["slurm"] = slurmMap

	filtered := make(map[string]any, len(whitelist))
	for _, key := range whitelist {
		if v, ok := all[key]; ok {
			filtered[key] = v
		}
	}
	return filtered, nil
}

// structToMap converts a bson-tagged struct to a plain map via the same
// driver used by the Storage Gateway, so interpolation sees exactly the
// field names persisted to the database.
func structToMap(v any) (map[string]any, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveInterpolations recursively walks value (a string, map, or slice)
// and replaces every `${a.b.c}` inside a string with the dotted lookup
// into ctx. No other substrings are modified (spec §8 property 5). A
// missing reference raises a ConfigError naming it.
func ResolveInterpolations(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			resolved, err := ResolveInterpolations(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case experiment.Config:
		return ResolveInterpolations(map[string]any(v), ctx)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, err := ResolveInterpolations(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, ctx map[string]any) (string, error) {
	var firstErr error
	result := interpolationPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		ref := interpolationPattern.FindStringSubmatch(match)[1]
		val, err := lookupDotted(ref, ctx)
		if err != nil {
			firstErr = err
			return match
		}
		return fmt.Sprint(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func lookupDotted(ref string, ctx map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errs.NewConfigError(ref, fmt.Errorf("interpolation reference %q not found", ref))
		}
		v, ok := m[part]
		if !ok {
			return nil, errs.NewConfigError(ref, fmt.Errorf("interpolation reference %q not found", ref))
		}
		cur = v
	}
	return cur, nil
}
