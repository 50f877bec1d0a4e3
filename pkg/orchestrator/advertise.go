package orchestrator

import (
	"log/slog"
	"strings"

	"github.com/zyr3x/opengemini/pkg/shaping"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// applyTools decides the advertised tool set for one upstream call. A
// profile's explicit selection wins over keyword matching; without either,
// tools whose name (or whose server's name, for external servers) appears
// in the prompt are advertised, and an unmentioned registry stays silent.
func (o *Orchestrator) applyTools(genReq *upstream.GenerateRequest, shaped *shaping.Result, windowed []upstream.Content) {
	var decls []upstream.FunctionDeclaration
	switch {
	case shaped.DisableTools:
	case len(shaped.SelectedTools) > 0:
		decls = o.registry.Declarations(shaped.SelectedTools)
	default:
		if matched := o.mentionedTools(windowed); len(matched) > 0 {
			decls = o.registry.Declarations(matched)
		}
	}

	if len(decls) > 0 {
		genReq.Tools = append(genReq.Tools, upstream.ToolSet{FunctionDeclarations: decls})
		genReq.ToolConfig = &upstream.ToolConfig{
			FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "AUTO"},
		}
		slog.Debug("Advertising tools", "count", len(decls))
	}
	if !shaped.DisableTools && shaped.EnableNativeTools {
		genReq.Tools = append(genReq.Tools, upstream.ToolSet{GoogleSearch: &struct{}{}})
	}
}

// mentionedTools keyword-scans the prompt for registered tool names and
// external server names, in registration order.
func (o *Orchestrator) mentionedTools(contents []upstream.Content) []string {
	names := o.registry.Names()
	if len(names) == 0 {
		return nil
	}

	haystack := strings.ToLower(contentsText(contents))
	if haystack == "" {
		return nil
	}

	var matched []string
	for _, name := range names {
		def, ok := o.registry.Lookup(name)
		if !ok {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(name)) {
			matched = append(matched, name)
			continue
		}
		if !def.IsBuiltin() && def.ServerID != "" &&
			strings.Contains(haystack, strings.ToLower(def.ServerID)) {
			matched = append(matched, name)
		}
	}
	return matched
}
