package tools

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeArgs turns whatever shape the model put in a function call's
// args into a flat argument map. Three shapes occur in practice: a JSON
// object, a string of key=value pairs, and a JSON-encoded string holding
// one of the former. Wrapper keys "args"/"kwargs" around any of these are
// unwrapped into the flat map.
func NormalizeArgs(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return parsePairs(string(raw))
	}
	return normalizeValue(value)
}

func normalizeValue(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return unwrapWrappers(v)
	case string:
		return parseArgString(v)
	default:
		return map[string]interface{}{}
	}
}

// parseArgString handles the two string shapes: JSON-encoded arguments or
// key=value pairs. Anything else lands under a "value" key so the tool at
// least sees the input.
func parseArgString(s string) map[string]interface{} {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return map[string]interface{}{}
	}

	// A JSON-encoded layer: strip it and start over. Each pass removes one
	// quote level, so this terminates.
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "\"") {
		var inner interface{}
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return normalizeValue(inner)
		}
	}

	if pairs := parsePairs(trimmed); len(pairs) > 0 {
		return pairs
	}
	return map[string]interface{}{"value": trimmed}
}

// unwrapWrappers flattens the args/kwargs convention: a map whose keys are
// only wrapper fields is replaced by the merge of its unwrapped contents.
func unwrapWrappers(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return m
	}
	for key := range m {
		if key != "args" && key != "kwargs" {
			return m
		}
	}

	flat := map[string]interface{}{}
	for _, key := range []string{"args", "kwargs"} {
		wrapped, ok := m[key]
		if !ok {
			continue
		}
		switch w := wrapped.(type) {
		case map[string]interface{}:
			for k, v := range w {
				flat[k] = v
			}
		case string:
			for k, v := range parseArgString(w) {
				flat[k] = v
			}
		case []interface{}:
			if len(w) > 0 {
				flat["args"] = w
			}
		}
	}
	return flat
}

// parsePairs scans a key=value string with optional single or double
// quoting of values. Tokens without '=' are skipped.
func parsePairs(s string) map[string]interface{} {
	out := map[string]interface{}{}
	i := 0
	n := len(s)

	for i < n {
		for i < n && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= n {
			break
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[i : i+eq])
		i += eq + 1
		if key == "" || strings.ContainsAny(key, " \t\n") {
			// Not a clean key; the string is probably not pair-shaped.
			return map[string]interface{}{}
		}

		var value string
		if i < n && (s[i] == '"' || s[i] == '\'') {
			quote := s[i]
			i++
			start := i
			for i < n && s[i] != quote {
				i++
			}
			value = s[start:i]
			if i < n {
				i++
			}
		} else {
			start := i
			for i < n && !unicode.IsSpace(rune(s[i])) {
				i++
			}
			value = s[start:i]
		}
		out[key] = convertScalar(value)
	}
	return out
}

// convertScalar gives numbers and booleans their JSON types so pair-shaped
// arguments look the same as object-shaped ones downstream.
func convertScalar(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && s != "" {
		return n
	}
	return s
}

// RewrapArgs consults a tool's declared parameters: when the schema itself
// declares args/kwargs wrapper fields, the flat map is wrapped back into
// the convention the tool expects.
func RewrapArgs(flat map[string]interface{}, params map[string]interface{}) map[string]interface{} {
	_, hasArgs := schemaProperty(params, "args")
	_, hasKwargs := schemaProperty(params, "kwargs")
	if !hasArgs && !hasKwargs {
		return flat
	}

	props, _ := params["properties"].(map[string]interface{})
	if len(props) > 2 {
		// Wrapper fields alongside real parameters: not the convention.
		return flat
	}

	out := map[string]interface{}{}
	if hasKwargs {
		out["kwargs"] = flat
		if hasArgs {
			out["args"] = []interface{}{}
		}
	} else {
		out["args"] = flat
	}
	return out
}
