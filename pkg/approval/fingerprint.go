package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// RelevantArgs declares, per built-in tool, the subset of arguments that
// participate in an approval fingerprint. Arguments outside this set (e.g.
// a shell command's working directory override) never affect whether a
// prior grant matches a new call. MCP tools use their full argument set
// since no per-tool declaration exists for externally-declared schemas.
var RelevantArgs = map[string][]string{
	"write_file":  {"path", "content"},
	"apply_patch": {"patch", "strip"},
	"shell":       {"command"},
}

// Fingerprint computes the stable SHA-256 fingerprint of the
// approval-relevant subset of a tool call's arguments: sorted keys, stable
// numeric form, whitespace-normalized strings. Two calls whose relevant
// arguments are equal under these rules always produce the same
// fingerprint regardless of key order or incidental whitespace in the
// original request.
func Fingerprint(toolName string, args map[string]any) string {
	relevant, declared := RelevantArgs[toolName]
	subset := make(map[string]any, len(args))
	if declared {
		for _, key := range relevant {
			if v, ok := args[key]; ok {
				subset[key] = v
			}
		}
	} else {
		subset = args
	}
	canonical := canonicalize(subset)
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}

// canonicalize produces a deterministic byte representation of an argument
// map: keys sorted, strings trimmed of leading/trailing whitespace. Numbers
// are kept in the type they arrive in (float64 for JSON-decoded arguments);
// an int and a float64 of equal value are not converted to one form.
func canonicalize(args map[string]any) []byte {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]canonicalEntry, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, canonicalEntry{Key: k, Value: normalize(args[k])})
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels, funcs);
		// tool arguments are always JSON-decoded values, so this is
		// unreachable in practice. Fall back to a stable empty digest
		// rather than panicking on adversarial input.
		return []byte("{}")
	}
	return data
}

type canonicalEntry struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return trimSpace(val)
	case float64, int, int64, bool, nil:
		return val
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]canonicalEntry, 0, len(keys))
		for _, k := range keys {
			out = append(out, canonicalEntry{Key: k, Value: normalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
