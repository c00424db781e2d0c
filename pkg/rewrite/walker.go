package rewrite

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Visitor is called for every (key, value) pair in a JSON document.
// key is the terminal key: the object key, or the element index for
// array members. To replace a leaf, return the replacement and true;
// analyzers always return ("", false).
type Visitor func(path, key string, value gjson.Result) (replacement string, replace bool)

// Walk traverses every key/value pair of doc, depth first, applying
// visit. Replacements are spliced into the document with all other
// bytes preserved. It returns the (possibly rewritten) document and
// whether anything changed.
func Walk(doc []byte, visit Visitor) ([]byte, bool, error) {
	if !gjson.ValidBytes(doc) {
		return nil, false, trace.BadParameter("invalid json")
	}

	type edit struct {
		path string
		raw  string
	}
	var edits []edit

	var walk func(value gjson.Result, path, key string)
	walk = func(value gjson.Result, path, key string) {
		// Containers are visited too: the visitor may want the key of
		// an object holding ids. A replaced value, container or leaf,
		// is not descended into.
		if path != "" {
			if raw, replace := visit(path, key, value); replace {
				edits = append(edits, edit{path: path, raw: raw})
				return
			}
		}
		if value.IsObject() {
			value.ForEach(func(k, v gjson.Result) bool {
				walk(v, joinPath(path, escapePathKey(k.String())), k.String())
				return true
			})
		} else if value.IsArray() {
			i := 0
			value.ForEach(func(_, v gjson.Result) bool {
				idx := strconv.Itoa(i)
				walk(v, joinPath(path, idx), idx)
				i++
				return true
			})
		}
	}
	walk(gjson.ParseBytes(doc), "", "")

	if len(edits) == 0 {
		return doc, false, nil
	}
	out := doc
	var err error
	for _, e := range edits {
		out, err = sjson.SetRawBytes(out, e.path, []byte(e.raw))
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
	}
	return out, true, nil
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

// escapePathKey escapes gjson path metacharacters in an object key.
func escapePathKey(key string) string {
	if !strings.ContainsAny(key, `.*?\|#@`) {
		return key
	}
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
