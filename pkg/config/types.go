package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// Format identifies a definition file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
	FormatHCL  Format = "hcl"
)

// FormatFromPath selects the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported definition file extension %q", filepath.Ext(path))
	}
}

// Document is a matrix definition as authored.
type Document struct {
	// Defaults is the shared baseline every platform inherits.
	Defaults engine.DefaultsConfig `json:"defaults" yaml:"defaults"`

	// Platforms are the ordered platform overrides.
	Platforms []engine.PlatformOverride `json:"platforms" yaml:"platforms" validate:"dive"`

	// Generate is an optional Starlark script, relative to the document, whose
	// platforms are appended after the declared ones.
	Generate string `json:"generate,omitempty" yaml:"generate,omitempty"`

	// Source is the file the document was loaded from.
	Source string `json:"-" yaml:"-"`

	// Format is the syntax the document was loaded from.
	Format Format `json:"-" yaml:"-"`
}

// Definition returns the engine definition for the document.
func (d *Document) Definition() engine.Definition {
	return engine.Definition{
		Defaults:  d.Defaults,
		Platforms: d.Platforms,
	}
}

// Diagnostic is a located parse or schema problem.
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// String formats the diagnostic as file:line:column: path: message.
func (d Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		b.WriteString(d.File)
		if d.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", d.Line, d.Column)
		}
		b.WriteString(": ")
	}
	if d.Path != "" {
		b.WriteString(d.Path)
		b.WriteString(": ")
	}
	b.WriteString(d.Message)
	return b.String()
}

// Diagnostics is a list of problems reported together.
type Diagnostics []Diagnostic

// Error implements the error interface.
func (d Diagnostics) Error() string {
	switch len(d) {
	case 0:
		return "no diagnostics"
	case 1:
		return d[0].String()
	}
	parts := make([]string, len(d))
	for i, diag := range d {
		parts[i] = diag.String()
	}
	return fmt.Sprintf("%d problems: %s", len(d), strings.Join(parts, "; "))
}
