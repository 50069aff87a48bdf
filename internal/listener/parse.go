package listener

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/edgetel/internal/tree"
)

var pairPattern = regexp.MustCompile(`([A-Za-z_][\w.\-]*)=("(?:[^"\\]|\\.)*"|[^\s,"]*)`)

// ParseMessage turns one message into a tree: a JSON object or array, a
// list of key=value pairs, or else the raw text as a string. A message is
// never rejected.
func ParseMessage(msg []byte) tree.Value {
	trimmed := bytes.TrimSpace(msg)

	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		if v, err := tree.ParseJSON(trimmed); err == nil {
			return v
		}
	}

	if v, ok := parsePairs(string(trimmed)); ok {
		return v
	}

	return tree.String(string(msg))
}

// parsePairs accepts `k=v k2="quoted value",k3=3` and nothing else.
func parsePairs(s string) (tree.Value, bool) {
	matches := pairPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return tree.Value{}, false
	}

	entries := make(map[string]tree.Value, len(matches))
	pos := 0
	for _, m := range matches {
		if strings.Trim(s[pos:m[0]], " \t,") != "" {
			return tree.Value{}, false
		}
		if pos > 0 && m[0] == pos {
			return tree.Value{}, false
		}
		key := s[m[2]:m[3]]
		entries[key] = pairValue(s[m[4]:m[5]])
		pos = m[1]
	}
	if strings.Trim(s[pos:], " \t,") != "" {
		return tree.Value{}, false
	}

	return tree.Map(entries), true
}

func pairValue(raw string) tree.Value {
	if strings.HasPrefix(raw, `"`) {
		if unquoted, err := strconv.Unquote(raw); err == nil {
			return tree.String(unquoted)
		}
		return tree.String(strings.Trim(raw, `"`))
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return tree.Number(n)
	}
	if raw == "true" || raw == "false" {
		return tree.Bool(raw == "true")
	}
	return tree.String(raw)
}
