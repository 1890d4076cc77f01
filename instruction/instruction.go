// Package instruction handles agent instruction text: static strings,
// dynamic providers, and template expansion against per-utterance context
// variables. Expansion is a pure function of (template, vars); no component
// state is read or written.
package instruction

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Provider supplies dynamic instruction text at runtime. Implementations can
// derive instructions from the utterance context, environment, etc.
type Provider interface {
	Instruction(vars map[string]any) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(vars map[string]any) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(vars map[string]any) (string, error) { return f(vars) }

// Instruction represents either a static template string or a dynamic
// provider. This mirrors a union of string | provider in a Go-idiomatic way.
type Instruction struct {
	text     string
	provider Provider
}

// FromText creates an Instruction from a static (possibly templated) string.
func FromText(text string) Instruction { return Instruction{text: text} }

// FromProvider creates an Instruction from a dynamic provider.
func FromProvider(p Provider) Instruction { return Instruction{provider: p} }

// FromFunc creates an Instruction from a function.
func FromFunc(f func(vars map[string]any) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve produces the final instruction text for one utterance: provider
// output (if dynamic) is obtained first, then template-expanded against vars.
func (i Instruction) Resolve(vars map[string]any) (string, error) {
	text := i.text
	if i.provider != nil {
		var err error
		if text, err = i.provider.Instruction(vars); err != nil {
			return "", fmt.Errorf("instruction provider: %w", err)
		}
	}
	return Expand(text, vars)
}

// Expand replaces template variables using Go's text/template package.
// Unknown variables render as "<no value>" rather than failing, so a host
// omitting an optional context key does not break the agent.
func Expand(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("instructions").Funcs(template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join": func(sep string, items []any) string {
			strItems := make([]string, len(items))
			for i, item := range items {
				strItems[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strItems, sep)
		},
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse instructions template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("expand instructions template: %w", err)
	}

	return buf.String(), nil
}
