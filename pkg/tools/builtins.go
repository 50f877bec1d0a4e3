package tools

// Builtins returns the fixed in-process tool set. Read-style tools are
// cache-eligible; mutations are not and force their batch sequential.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        "list_files",
			Description: "List the project as an ASCII tree, honoring the project ignore rules. Large trees are truncated.",
			Parameters:  schemaFor[listFilesArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     listFiles,
		},
		{
			Name:        "read_file",
			Description: "Read a text file inside the project. PDF, DOCX, and XLSX files are converted to text.",
			Parameters:  schemaFor[readFileArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     readFile,
		},
		{
			Name:        "read_file_lines",
			Description: "Read an inclusive line range of a file with line numbers.",
			Parameters:  schemaFor[readFileLinesArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     readFileLines,
		},
		{
			Name:        "diff_files",
			Description: "Compare two project files as a unified diff.",
			Parameters:  schemaFor[diffFilesArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     diffFiles,
		},
		{
			Name:        "code_structure",
			Description: "Extract the top-level functions, types, and classes of a source file with their source segments.",
			Parameters:  schemaFor[codeStructureArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     codeStructure,
		},
		{
			Name:        "search_code",
			Description: "Search the project for a pattern (ripgrep or grep). Results are capped; refine the pattern when truncated.",
			Parameters:  schemaFor[searchCodeArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     searchCode,
		},
		{
			Name:        "git_status",
			Description: "Show the working tree status (short form with branch).",
			Parameters:  schemaFor[emptyArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitStatus,
		},
		{
			Name:        "git_log",
			Description: "Show recent commits, optionally limited to a path.",
			Parameters:  schemaFor[gitLogArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitLog,
		},
		{
			Name:        "git_diff",
			Description: "Show uncommitted changes, or the diff against a revision.",
			Parameters:  schemaFor[gitDiffArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitDiff,
		},
		{
			Name:        "git_show",
			Description: "Show a commit or object.",
			Parameters:  schemaFor[gitShowArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitShow,
		},
		{
			Name:        "git_blame",
			Description: "Annotate a file's lines with their last modifying commit.",
			Parameters:  schemaFor[gitBlameArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitBlame,
		},
		{
			Name:        "git_recent_files",
			Description: "List the files changed by recent commits, most recent first.",
			Parameters:  schemaFor[gitRecentFilesArgs](),
			ServerID:    BuiltinServerID,
			Cacheable:   true,
			handler:     gitRecentFiles,
		},
		{
			Name:        "create_file",
			Description: "Create a new file with the given content. Fails if the file already exists.",
			Parameters:  schemaFor[createFileArgs](),
			ServerID:    BuiltinServerID,
			Mutating:    true,
			handler:     createFile,
		},
		{
			Name:        "write_file",
			Description: "Overwrite an existing file with new content. Fails if the file does not exist.",
			Parameters:  schemaFor[writeFileArgs](),
			ServerID:    BuiltinServerID,
			Mutating:    true,
			handler:     writeFile,
		},
		{
			Name:        "apply_patch",
			Description: "Apply a unified diff to the project (patch -p1 from the project root). Markdown fences are stripped.",
			Parameters:  schemaFor[applyPatchArgs](),
			ServerID:    BuiltinServerID,
			Mutating:    true,
			handler:     applyPatch,
		},
		{
			Name:        "execute_command",
			Description: "Run a shell command from the project root with a timeout. Output includes the exit code on failure.",
			Parameters:  schemaFor[executeCommandArgs](),
			ServerID:    BuiltinServerID,
			Mutating:    true,
			handler:     executeCommand,
		},
	}
}
