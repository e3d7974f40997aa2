// Package pathtmpl expands output filename templates such as
// "static/js/[name].[hash].js" or "static/img/[name].[hash:7].[ext]".
package pathtmpl

import (
	"regexp"
	"strconv"
)

var rePlaceholder = regexp.MustCompile(`\[(name|ext|id|hash|chunkhash|contenthash)(?::(\d+))?\]`)

// Vars holds placeholder values. Hash values are truncated when the template
// asks for a length ("[hash:7]").
type Vars struct {
	Name string
	Ext  string
	ID   string
	Hash string
}

// Expand replaces every known placeholder in tmpl. [chunkhash] and
// [contenthash] are aliases of [hash]; [id] falls back to the name.
func Expand(tmpl string, v Vars) string {
	return rePlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := rePlaceholder.FindStringSubmatch(m)
		switch sub[1] {
		case "name":
			return v.Name
		case "ext":
			return v.Ext
		case "id":
			if v.ID != "" {
				return v.ID
			}
			return v.Name
		default:
			return truncate(v.Hash, sub[2])
		}
	})
}

func truncate(hash, length string) string {
	if length == "" {
		return hash
	}
	n, err := strconv.Atoi(length)
	if err != nil || n <= 0 || n >= len(hash) {
		return hash
	}
	return hash[:n]
}
