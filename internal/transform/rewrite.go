package transform

import (
	"regexp"
	"sort"
	"strconv"
)

var reHotAcceptSpec = regexp.MustCompile(`module\.hot\.accept\(\s*(?:'([^'\n]+)'|"([^"\n]+)")`)

type replacement struct {
	start, end int
	text       string
}

// RewriteImports rewrites specifiers in transformed code. require("x") and
// module.hot.accept("x") get the literal returned by target; import("x") is
// replaced by the expression returned by lazy. Specifiers the callbacks do
// not know are left untouched. Comments are never rewritten.
func RewriteImports(src []byte, target func(spec string) (string, bool), lazy func(spec string) (string, bool)) []byte {
	masked := maskComments(src)
	var reps []replacement

	literal := func(re *regexp.Regexp) {
		for _, loc := range re.FindAllSubmatchIndex(masked, -1) {
			start, end := groupSpan(loc)
			if start < 0 {
				continue
			}
			id, ok := target(string(masked[start:end]))
			if !ok {
				continue
			}
			// Include the quotes.
			reps = append(reps, replacement{start: start - 1, end: end + 1, text: strconv.Quote(id)})
		}
	}
	literal(reRequire)
	literal(reHotAcceptSpec)

	for _, loc := range reDynImport.FindAllSubmatchIndex(masked, -1) {
		start, end := groupSpan(loc)
		if start < 0 {
			continue
		}
		expr, ok := lazy(string(masked[start:end]))
		if !ok {
			continue
		}
		callStart := loc[0]
		if masked[callStart] != 'i' {
			callStart++
		}
		reps = append(reps, replacement{start: callStart, end: loc[1], text: expr})
	}

	if len(reps) == 0 {
		return src
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].start < reps[j].start })
	out := make([]byte, 0, len(src)+len(reps)*16)
	pos := 0
	for _, r := range reps {
		if r.start < pos {
			continue
		}
		out = append(out, src[pos:r.start]...)
		out = append(out, r.text...)
		pos = r.end
	}
	return append(out, src[pos:]...)
}

// groupSpan returns the span of the first matched capture group.
func groupSpan(loc []int) (int, int) {
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] >= 0 {
			return loc[i], loc[i+1]
		}
	}
	return -1, -1
}
