// Package filter rewrites submitted source to neutralise a fixed list of
// dangerous constructs before execution.
//
// This is a guard-rail against accidental misuse by learners, not a security
// boundary: renaming or aliasing trivially bypasses it. Isolation comes from
// the restricted interpreters and the network-less, resource-capped
// containers.
package filter

import (
	"regexp"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

// Rule is a single substitution. A match that starts with '.' or ':' is a
// member access such as obj.load( or obj:load( and is left as written, so a
// pattern opts out of member calls by starting with [.:]?.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

var rules = map[sandbox.Language][]Rule{
	sandbox.Python: {
		{"import os", regexp.MustCompile(`import os\b`), "# import os not allowed"},
		{"import sys", regexp.MustCompile(`import sys\b`), "# import sys not allowed"},
		{"import subprocess", regexp.MustCompile(`import subprocess\b`), "# import subprocess not allowed"},
		{"exec", regexp.MustCompile(`\bexec\(`), "# exec() not allowed"},
		{"eval", regexp.MustCompile(`\beval\(`), "# eval() not allowed"},
		{"infinite loop", regexp.MustCompile(`while\s+True`), "while False"},
	},
	sandbox.JavaScript: {
		{"child_process", regexp.MustCompile(`require\(\s*['"]child_process['"]\s*\)`), "undefined /* child_process not allowed */"},
		{"process.exit", regexp.MustCompile(`process\.exit\(`), "void ("},
		{"eval", regexp.MustCompile(`\beval\(`), "/* eval() not allowed */ String("},
		{"Function constructor", regexp.MustCompile(`\bnew\s+Function\(`), "/* Function() not allowed */ String("},
		{"infinite while", regexp.MustCompile(`while\s*\(\s*true\s*\)`), "while (false)"},
		{"infinite for", regexp.MustCompile(`for\s*\(\s*;\s*;\s*\)`), "for (;false;)"},
	},
	sandbox.Lua: {
		{"os.execute", regexp.MustCompile(`\bos\.execute\b`), "nil --[[os.execute not allowed]]"},
		{"io.popen", regexp.MustCompile(`\bio\.popen\b`), "nil --[[io.popen not allowed]]"},
		{"loadstring", regexp.MustCompile(`[.:]?\bloadstring\(`), "tostring("},
		{"load", regexp.MustCompile(`[.:]?\bload\(`), "tostring("},
		{"infinite loop", regexp.MustCompile(`while\s+true\s+do`), "while false do"},
	},
}

// Apply returns source with every rule for lang applied in order. Unknown
// languages are returned unchanged.
func Apply(lang sandbox.Language, source string) string {
	for _, r := range rules[lang] {
		source = r.Pattern.ReplaceAllStringFunc(source, func(m string) string {
			if m[0] == '.' || m[0] == ':' {
				return m
			}
			return r.Replacement
		})
	}
	return source
}

// Rules returns the substitutions applied for lang.
func Rules(lang sandbox.Language) []Rule {
	out := make([]Rule, len(rules[lang]))
	copy(out, rules[lang])
	return out
}
