// Package seed computes the idempotency seed shared by the runtime context
// builder and the request factory: the same URL template, given the same
// resolved parameter values, always yields the same seed regardless of
// which caller computes it first.
package seed

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pitabwire/callhook/model"
)

// tokenPattern matches token placeholders of the form {name} or
// {name:constraint}, excluding runtime expressions (which start with $).
var tokenPattern = regexp.MustCompile(`\{([^{}:/?$][^{}:/?]*)(?::[^{}]+)?\}`)

// FromTemplate extracts every token placeholder name referenced by
// urlTemplate, looks each one up in vars (case-insensitively), sorts the
// names case-insensitively, and joins "name=value" pairs with "&". Names
// that don't resolve to a non-blank value are omitted entirely, not
// included with an empty value.
func FromTemplate(urlTemplate string, vars model.Vars) string {
	matches := tokenPattern.FindAllStringSubmatch(urlTemplate, -1)
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		lower := strings.ToLower(name)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		value, ok := vars.Get(name)
		if !ok || value == "" {
			continue
		}
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "&")
}
