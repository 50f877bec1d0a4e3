package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Profile table file names inside the config dir.
const (
	ProfilesFile      = "prompt.json"
	SystemPromptsFile = "system_prompts.json"
	AgentPromptsFile  = "agent_prompts.json"
)

// PromptProfile mutates a matching request: literal find/replace on user
// text, a narrowed tool advertisement, and behavior flags.
type PromptProfile struct {
	Triggers      []string          `json:"triggers"`
	TextOverrides map[string]string `json:"text_overrides"`

	// SelectedTools is nil when unset, []string{"*"} for all tools, or an
	// explicit list of tool names.
	SelectedTools []string `json:"-"`

	DisableTools      bool `json:"disable_tools"`
	EnableNativeTools bool `json:"enable_native_tools"`
}

// profileJSON is the raw decode target; selected_tools may be an array or
// the string "*".
type profileJSON struct {
	Triggers          []string          `json:"triggers"`
	TextOverrides     map[string]string `json:"text_overrides"`
	SelectedTools     json.RawMessage   `json:"selected_tools"`
	DisableTools      bool              `json:"disable_tools"`
	EnableNativeTools bool              `json:"enable_native_tools"`
}

// NamedProfile pairs a profile with its table key.
type NamedProfile struct {
	Name    string
	Profile PromptProfile
}

// ProfileTable is the ordered profile list from prompt.json. First match in
// insertion order wins, so JSON object order is preserved on decode.
type ProfileTable struct {
	Profiles []NamedProfile
}

// UnmarshalJSON walks the top-level object with a token decoder to keep key
// order.
func (t *ProfileTable) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("profile table must be a JSON object")
	}

	t.Profiles = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("profile table key is not a string")
		}

		var raw profileJSON
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}

		profile := PromptProfile{
			Triggers:          raw.Triggers,
			TextOverrides:     raw.TextOverrides,
			DisableTools:      raw.DisableTools,
			EnableNativeTools: raw.EnableNativeTools,
		}
		if len(raw.SelectedTools) > 0 {
			var list []string
			var star string
			if err := json.Unmarshal(raw.SelectedTools, &list); err == nil {
				profile.SelectedTools = list
			} else if err := json.Unmarshal(raw.SelectedTools, &star); err == nil {
				profile.SelectedTools = []string{star}
			} else {
				return fmt.Errorf("profile %q: selected_tools must be a list or a string", name)
			}
		}

		t.Profiles = append(t.Profiles, NamedProfile{Name: name, Profile: profile})
	}

	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// LoadProfiles reads <configDir>/prompt.json. Missing file means no
// profiles.
func LoadProfiles(configDir string) (*ProfileTable, error) {
	path := filepath.Join(configDir, ProfilesFile)

	table := &ProfileTable{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", path, err)
	}
	return table, nil
}

// loadPromptMap reads a flat {name: text} table, tolerating {name: {prompt:
// text}} entries.
func loadPromptMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for name, value := range raw {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			out[name] = text
			continue
		}
		var obj struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(value, &obj); err == nil && obj.Prompt != "" {
			out[name] = obj.Prompt
			continue
		}
		return nil, fmt.Errorf("%s: entry %q is neither a string nor {prompt}", path, name)
	}
	return out, nil
}

// LoadSystemPrompts reads the named system-prompt presets used by the
// system_prompt path directive.
func LoadSystemPrompts(configDir string) (map[string]string, error) {
	return loadPromptMap(filepath.Join(configDir, SystemPromptsFile))
}

// LoadAgentPrompts reads the project-mode prompt table used by the project
// path directive.
func LoadAgentPrompts(configDir string) (map[string]string, error) {
	return loadPromptMap(filepath.Join(configDir, AgentPromptsFile))
}
