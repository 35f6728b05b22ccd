package source

import (
	"regexp"
	"strings"
)

// varPattern matches {{ variable }} syntax.
var varPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// TemplateVars builds the variables available to data-source documents:
// env_<NAME> for every environment entry and output_folder.
func TemplateVars(environ []string, outputFolder string) map[string]string {
	vars := make(map[string]string, len(environ)+1)
	for _, e := range environ {
		if idx := strings.Index(e, "="); idx > 0 {
			vars["env_"+e[:idx]] = e[idx+1:]
		}
	}
	vars["output_folder"] = outputFolder
	return vars
}

// Render replaces {{ name }} patterns with their values. Unknown names
// render as the empty string.
func Render(text string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := varPattern.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		return vars[strings.TrimSpace(inner[1])]
	})
}
