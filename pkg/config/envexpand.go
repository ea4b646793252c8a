package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in raw YAML with environment
// values. Template syntax is used instead of $VAR expansion because policy
// rules and program commands legitimately contain literal dollar signs
// (regex anchors, shell snippets) that must pass through untouched.
//
// A reference to an unset variable renders empty; the validator rejects
// required fields left blank. Content that does not parse as a template at
// all is returned unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("mu-config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment as template data.
func environMap() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			out[name] = value
		}
	}
	return out
}
