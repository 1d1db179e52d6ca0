package config

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Built-in schema names.
const (
	SchemaDefinition = "definition"
	SchemaPlatform   = "platform"
	SchemaStep       = "step"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		SchemaDefinition: "#Definition",
		SchemaPlatform:   "#Platform",
		SchemaStep:       "#Step",
	} {
		if err := sr.RegisterSchema(name, def, builtinMatrixSchema); err != nil {
			panic(fmt.Sprintf("config: built-in schema %s: %v", name, err))
		}
	}
}

// RegisterSchema compiles source and registers the definition at path
// (e.g., "#Definition") under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, path)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to load schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Failures are
// returned as Diagnostics.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	return nil
}

// CompileAndUnify compiles CUE source and unifies it with a named schema.
// The returned value is concrete and validated.
func (sr *SchemaRegistry) CompileAndUnify(schemaName, source, filename string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return unified, nil
}

// DecodeSource compiles CUE source without any schema and decodes it into
// v. It serves to name platforms in errors for sources the schema rejects.
func (sr *SchemaRegistry) DecodeSource(source, filename string, v interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return err
	}
	return val.Decode(v)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertCUEErrors flattens a CUE error into located diagnostics.
func convertCUEErrors(err error) Diagnostics {
	var diags Diagnostics

	for _, e := range errors.Errors(err) {
		d := Diagnostic{
			Path:    cuePath(e.Path()),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			d.File = pos[0].Filename()
			d.Line = pos[0].Line()
			d.Column = pos[0].Column()
		}
		diags = append(diags, d)
	}

	if len(diags) == 0 {
		diags = append(diags, Diagnostic{Message: err.Error()})
	}
	return diags
}

// cuePath renders CUE path selectors as "platforms[1].pre_install[0]".
// Leading definition selectors such as #Definition are dropped.
func cuePath(selectors []string) string {
	for len(selectors) > 0 && strings.HasPrefix(selectors[0], "#") {
		selectors = selectors[1:]
	}

	var b strings.Builder
	for _, sel := range selectors {
		if _, err := strconv.Atoi(sel); err == nil {
			fmt.Fprintf(&b, "[%s]", sel)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(sel)
	}
	return b.String()
}

// builtinMatrixSchema mirrors the engine types' JSON field names.
const builtinMatrixSchema = `
#OS: "linux" | "macos" | "windows"

#Step: {
	kind:        "addPackageSource" | "installPackage"
	descriptor:  string & !=""
	version?:    string
	flags?:      [...string]
	source?:     string
}

#Source: {
	name?:            string
	locator:          string & !=""
	signing_key_url?: string
}

#Defaults: {
	toolchain_language: string & !=""
	toolchain_version:  string & !=""
	pipeline_script:    string & !=""
	cache_directories?: [...(string & !="")]
	pre_install?:       [...#Step]
	env?:               {[string]: string}
	variables?:         {[string]: string}
}

#Platform: {
	name?:              string
	os:                 #OS
	distribution?:      string
	toolchain_version?: string
	pipeline_script?:   string
	cache_directories?: [...(string & !="")]
	pre_install?:       [...#Step]
	sources?:           [...#Source]
	env?:               {[string]: string}
	variables?:         {[string]: string}
}

#Definition: {
	defaults:  #Defaults
	platforms: [...#Platform]
	generate?: string
}
`
