package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// symbolPattern matches the top-level declarations of one language family.
type symbolPattern struct {
	kind string
	re   *regexp.Regexp
}

var structurePatterns = map[string][]symbolPattern{
	".go": {
		{"func", regexp.MustCompile(`^func\s+(?:\([^)]+\)\s*)?([A-Za-z_]\w*)`)},
		{"type", regexp.MustCompile(`^type\s+([A-Za-z_]\w*)`)},
	},
	".py": {
		{"def", regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)`)},
		{"class", regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`)},
	},
	".js": {
		{"function", regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`)},
		{"class", regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_$][\w$]*)`)},
		{"const", regexp.MustCompile(`^(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?(?:\(|function)`)},
	},
	".rs": {
		{"fn", regexp.MustCompile(`^(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_]\w*)`)},
		{"struct", regexp.MustCompile(`^(?:pub\s+)?struct\s+([A-Za-z_]\w*)`)},
		{"enum", regexp.MustCompile(`^(?:pub\s+)?enum\s+([A-Za-z_]\w*)`)},
		{"trait", regexp.MustCompile(`^(?:pub\s+)?trait\s+([A-Za-z_]\w*)`)},
		{"impl", regexp.MustCompile(`^impl\b.*?\bfor\s+([A-Za-z_]\w*)|^impl(?:<[^>]*>)?\s+([A-Za-z_]\w*)`)},
	},
}

func init() {
	for _, alias := range []string{".ts", ".jsx", ".tsx", ".mjs"} {
		structurePatterns[alias] = structurePatterns[".js"]
	}
}

type symbol struct {
	kind string
	name string
	line int // 1-indexed
}

// codeStructure extracts top-level symbols from a source file and prints
// each with its source segment, which runs until the next top-level symbol.
func codeStructure(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}

	resolved, err := env.ResolveExisting(path)
	if err != nil {
		return errorf("%v", err)
	}

	patterns, ok := structurePatterns[strings.ToLower(filepath.Ext(resolved))]
	if !ok {
		return errorf("unsupported file type %s (supported: go py js ts jsx tsx mjs rs)", filepath.Ext(resolved))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return errorf("cannot stat %s: %v", path, err)
	}
	if info.Size() > maxReadSize {
		return errorf("%s is too large: %d bytes (limit %d)", path, info.Size(), maxReadSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorf("cannot read %s: %v", path, err)
	}
	if IsBinaryData(data) {
		return errorf("%s looks like a binary file", path)
	}

	lines := strings.Split(string(data), "\n")
	symbols := scanSymbols(lines, patterns)
	if len(symbols) == 0 {
		return fmt.Sprintf("%s: no top-level symbols found", path)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d top-level symbols\n", path, len(symbols))
	for i, sym := range symbols {
		end := len(lines)
		if i+1 < len(symbols) {
			end = symbols[i+1].line - 1
		}
		segment := strings.TrimRight(strings.Join(lines[sym.line-1:end], "\n"), "\n ")

		fmt.Fprintf(&b, "\n=== %s %s (line %d) ===\n%s\n", sym.kind, sym.name, sym.line, segment)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func scanSymbols(lines []string, patterns []symbolPattern) []symbol {
	var out []symbol
	for i, line := range lines {
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := ""
			for _, g := range m[1:] {
				if g != "" {
					name = g
					break
				}
			}
			if name != "" {
				out = append(out, symbol{kind: p.kind, name: name, line: i + 1})
			}
			break
		}
	}
	return out
}
