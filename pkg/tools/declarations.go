package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Argument structs for the built-in declarations. Schemas are reflected
// from these via struct tags, and the same shapes are what the handlers
// read back out of the argument map.

type listFilesArgs struct {
	Path     string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the project root (default: the root)"`
	MaxDepth int    `json:"max_depth,omitempty" jsonschema:"description=Limit tree depth,minimum=1"`
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path relative to the project root"`
}

type readFileLinesArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path relative to the project root"`
	StartLine int    `json:"start_line" jsonschema:"required,description=First line to read (1-indexed),minimum=1"`
	EndLine   int    `json:"end_line" jsonschema:"required,description=Last line to read (inclusive),minimum=1"`
}

type diffFilesArgs struct {
	PathA string `json:"path_a" jsonschema:"required,description=First file"`
	PathB string `json:"path_b" jsonschema:"required,description=Second file"`
}

type codeStructureArgs struct {
	Path string `json:"path" jsonschema:"required,description=Source file to analyze"`
}

type searchCodeArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Pattern to search for (regular expression)"`
	Path    string `json:"path,omitempty" jsonschema:"description=File or directory to search (default: the project root)"`
}

type gitLogArgs struct {
	MaxCount int    `json:"max_count,omitempty" jsonschema:"description=Number of commits to show (default 20),minimum=1,maximum=100"`
	Path     string `json:"path,omitempty" jsonschema:"description=Limit history to this path"`
}

type gitDiffArgs struct {
	Revision string `json:"revision,omitempty" jsonschema:"description=Revision or range to diff against (default: the working tree)"`
	Path     string `json:"path,omitempty" jsonschema:"description=Limit the diff to this path"`
}

type gitShowArgs struct {
	Ref  string `json:"ref" jsonschema:"required,description=Commit or object to show"`
	Path string `json:"path,omitempty" jsonschema:"description=Limit output to this path"`
}

type gitBlameArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File to annotate"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line of the range,minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line of the range,minimum=1"`
}

type gitRecentFilesArgs struct {
	MaxCount int `json:"max_count,omitempty" jsonschema:"description=Number of files to list (default 20),minimum=1,maximum=100"`
}

type createFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the new file relative to the project root"`
	Content string `json:"content" jsonschema:"required,description=Full file content"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the existing file to overwrite"`
	Content string `json:"content" jsonschema:"required,description=Full replacement content"`
}

type applyPatchArgs struct {
	Patch string `json:"patch" jsonschema:"required,description=Unified diff to apply from the project root (git-style, -p1)"`
}

type executeCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run from the project root"`
}

type emptyArgs struct{}

// schemaFor reflects a parameter schema from an argument struct. The
// output is the flattened object form function declarations expect.
func schemaFor[T any]() map[string]interface{} {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: cannot marshal schema: %v", err))
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("tools: cannot decode schema: %v", err))
	}

	delete(out, "$schema")
	delete(out, "$id")
	delete(out, "additionalProperties")
	if out["type"] == nil {
		out["type"] = "object"
	}
	if out["properties"] == nil {
		out["properties"] = map[string]interface{}{}
	}
	return out
}

// schemaProperty returns one property's raw schema from a parameters map,
// which is how the dispatcher inspects wrapper fields during argument
// coercion.
func schemaProperty(params map[string]interface{}, name string) (map[string]interface{}, bool) {
	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	prop, ok := props[name].(map[string]interface{})
	return prop, ok
}
