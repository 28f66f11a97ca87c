package engine

import (
	"regexp"
	"strings"
)

var (
	finalVarRe = regexp.MustCompile(`(?m)^\s*FINAL_VAR\(\s*["']?([A-Za-z_][A-Za-z0-9_]*)["']?\s*\)`)
	finalRe    = regexp.MustCompile(`(?m)^\s*FINAL\((.*)\)[ \t]*$`)
)

// Fence languages treated as executable. An untagged fence counts too.
var codeLanguages = map[string]bool{
	"":         true,
	"python":   true,
	"py":       true,
	"starlark": true,
	"star":     true,
	"repl":     true,
}

// splitFences separates fenced blocks from prose. Only blocks in an
// executable language are returned; every fenced block is removed from prose.
func splitFences(response string) (blocks []string, prose string) {
	var (
		out     strings.Builder
		code    strings.Builder
		inBlock bool
		keep    bool
	)
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if lang, ok := strings.CutPrefix(trimmed, "```"); ok {
				inBlock = true
				keep = codeLanguages[strings.ToLower(strings.TrimSpace(lang))]
				code.Reset()
				continue
			}
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		if trimmed == "```" {
			inBlock = false
			if c := strings.TrimSpace(code.String()); keep && c != "" {
				blocks = append(blocks, c)
			}
			continue
		}
		code.WriteString(line)
		code.WriteByte('\n')
	}
	// An unterminated block runs to the end of the response.
	if inBlock {
		if c := strings.TrimSpace(code.String()); keep && c != "" {
			blocks = append(blocks, c)
		}
	}
	return blocks, out.String()
}

// ExtractCode returns the executable fenced code blocks in a model response,
// in order.
func ExtractCode(response string) []string {
	blocks, _ := splitFences(response)
	return blocks
}

// finalKind distinguishes how a response declared its answer.
type finalKind int

const (
	finalNone finalKind = iota
	finalText
	finalVar
)

// findFinal looks for a FINAL(answer) or FINAL_VAR(name) marker outside code
// blocks. For finalVar the returned string is the variable name.
func findFinal(response string) (finalKind, string) {
	_, prose := splitFences(response)
	if m := finalVarRe.FindStringSubmatch(prose); m != nil {
		return finalVar, m[1]
	}
	if m := finalRe.FindStringSubmatch(prose); m != nil {
		return finalText, strings.TrimSpace(m[1])
	}
	return finalNone, ""
}

// stripCode removes fenced blocks, leaving the model's prose.
func stripCode(response string) string {
	_, prose := splitFences(response)
	return strings.TrimSpace(prose)
}
