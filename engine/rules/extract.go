package rules

import (
	"regexp"
	"sort"

	"github.com/siridech-bo/cira-claw/engine/models"
)

var (
	readPathRE    = regexp.MustCompile(`payload(?:\.[A-Za-z_$][A-Za-z0-9_$]*|\[(?:'[^']*'|"[^"]*"|[0-9]+|[A-Za-z_$][A-Za-z0-9_$]*)\])+`)
	indexRE       = regexp.MustCompile(`\[(?:[0-9]+|[A-Za-z_$][A-Za-z0-9_$]*)\]`)
	stringIndexRE = regexp.MustCompile(`\[(?:'([^']*)'|"([^"]*)")\]`)
	producesRE    = regexp.MustCompile(`action\s*:\s*['"]([a-z_]+)['"]`)
)

// ExtractReads enumerates the payload access paths a snippet performs,
// normalised: numeric or variable indices become [*], string indices become
// dotted members. The result is deduplicated and sorted.
func ExtractReads(code string) []string {
	seen := make(map[string]bool)
	for _, m := range readPathRE.FindAllString(code, -1) {
		path := indexRE.ReplaceAllString(m, "[*]")
		path = stringIndexRE.ReplaceAllString(path, ".$1$2")
		seen[path] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ExtractProduces enumerates the distinct action literals appearing in a
// snippet's return expressions, restricted to the known enumeration.
func ExtractProduces(code string) []models.ActionKind {
	seen := make(map[models.ActionKind]bool)
	for _, m := range producesRE.FindAllStringSubmatch(code, -1) {
		k := models.ActionKind(m[1])
		if models.ValidAction(k) {
			seen[k] = true
		}
	}
	out := make([]models.ActionKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
