package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// Loader reads matrix definitions from disk, expands generator scripts and
// validates the result.
type Loader struct {
	logger    zerolog.Logger
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger.With().Str("component", "config-loader").Logger()
	}
}

// WithStarlarkTimeout bounds generator script execution.
func WithStarlarkTimeout(timeout time.Duration) Option {
	return func(l *Loader) {
		l.starlark = NewStarlarkEvaluator(timeout)
	}
}

// WithSchemaRegistry replaces the built-in schema registry.
func WithSchemaRegistry(sr *SchemaRegistry) Option {
	return func(l *Loader) {
		l.schemas = sr
	}
}

// NewLoader creates a definition loader.
func NewLoader(opts ...Option) *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	l := &Loader{
		logger:    zerolog.Nop(),
		schemas:   NewSchemaRegistry(),
		starlark:  NewStarlarkEvaluator(0),
		validator: v,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads, decodes and validates the definition at path.
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	return l.LoadBytes(ctx, data, format, path)
}

// LoadBytes decodes and validates a definition. filename locates diagnostics
// and generator scripts.
func (l *Loader) LoadBytes(ctx context.Context, data []byte, format Format, filename string) (*Document, error) {
	doc, err := l.decode(data, format, filename)
	if err != nil {
		return nil, err
	}
	doc.Source = filename
	doc.Format = format

	if doc.Generate != "" {
		if err := l.generate(ctx, doc); err != nil {
			return nil, err
		}
	}
	if doc.Platforms == nil {
		doc.Platforms = []engine.PlatformOverride{}
	}

	if err := l.Validate(ctx, doc); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("source", filename).
		Str("format", string(format)).
		Int("platforms", len(doc.Platforms)).
		Msg("Definition loaded")

	return doc, nil
}

func (l *Loader) decode(data []byte, format Format, filename string) (*Document, error) {
	var doc Document

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML definition %s: %w", filename, err)
		}

	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON definition %s: %w", filename, err)
		}

	case FormatCUE:
		val, err := l.schemas.CompileAndUnify(SchemaDefinition, string(data), filename)
		if err != nil {
			var diags Diagnostics
			if !errors.As(err, &diags) || len(diags) == 0 {
				return nil, fmt.Errorf("invalid CUE definition: %w", err)
			}
			// best effort: platform names come from the raw source
			var raw Document
			_ = l.schemas.DecodeSource(string(data), filename, &raw)
			return nil, locate(&raw, diags[0].Path, diags[0].Message, schemaCode(diags[0].Path)).WithCause(err)
		}
		if err := val.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode CUE definition %s: %w", filename, err)
		}

	case FormatHCL:
		parsed, err := decodeHCL(data, filename)
		if err != nil {
			return nil, fmt.Errorf("invalid HCL definition: %w", err)
		}
		doc = *parsed

	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}

	return &doc, nil
}

// generate runs the document's generator script and appends its platforms.
func (l *Loader) generate(ctx context.Context, doc *Document) error {
	path := doc.Generate
	if !filepath.IsAbs(path) && doc.Source != "" {
		path = filepath.Join(filepath.Dir(doc.Source), path)
	}

	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read generator script: %w", err)
	}

	generated, err := l.starlark.GeneratePlatforms(ctx, path, string(script), doc.Defaults, doc.Platforms)
	if err != nil {
		return err
	}

	l.logger.Debug().
		Str("script", path).
		Int("generated", len(generated)).
		Msg("Generator script evaluated")

	doc.Platforms = append(doc.Platforms, generated...)
	return nil
}

// GeneratorPath returns the absolute path of the document's generator
// script, or "" if it has none.
func (d *Document) GeneratorPath() string {
	if d.Generate == "" {
		return ""
	}
	if filepath.IsAbs(d.Generate) || d.Source == "" {
		return d.Generate
	}
	return filepath.Join(filepath.Dir(d.Source), d.Generate)
}

// Validate checks a document with struct tags and, for non-CUE inputs, the
// CUE definition schema. Failures are *engine.MatrixError validation errors.
func (l *Loader) Validate(ctx context.Context, doc *Document) error {
	if err := l.validator.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return fmt.Errorf("failed to validate definition: %w", err)
		}
		return fieldError(doc, verrs[0])
	}

	if doc.Format == FormatCUE {
		return nil
	}

	if err := l.schemas.ValidateAgainstSchema(ctx, SchemaDefinition, doc); err != nil {
		var diags Diagnostics
		if errors.As(err, &diags) && len(diags) > 0 {
			return locate(doc, diags[0].Path, diags[0].Message, schemaCode(diags[0].Path)).WithCause(err)
		}
		return err
	}

	return nil
}

// fieldError converts a validator failure into a located validation error.
func fieldError(doc *Document, fe validator.FieldError) *engine.MatrixError {
	// Namespace is "Document.platforms[1].pre_install[0].descriptor"
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}

	code := engine.ErrCodeMissingField
	var message string
	switch fe.Tag() {
	case "required":
		message = fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		message = fmt.Sprintf("%s %q must be one of [%s]", fe.Field(), fmt.Sprint(fe.Value()), fe.Param())
		code = engine.ErrCodeValidation
		switch fe.Field() {
		case "os":
			code = engine.ErrCodeUnsupportedOS
		case "kind":
			code = engine.ErrCodeUnknownKind
		}
	case "url":
		message = fmt.Sprintf("%s must be a URL", fe.Field())
		code = engine.ErrCodeValidation
	default:
		message = fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
		code = engine.ErrCodeValidation
	}

	return locate(doc, path, message, code)
}

// schemaCode picks the error code for a schema failure at path.
func schemaCode(path string) string {
	switch {
	case strings.HasSuffix(path, ".os"):
		return engine.ErrCodeUnsupportedOS
	case strings.HasSuffix(path, ".kind"):
		return engine.ErrCodeUnknownKind
	}
	return engine.ErrCodeValidation
}

var platformPath = regexp.MustCompile(`^platforms\[(\d+)\]\.?`)

// locate builds a validation error, attributing "platforms[N]..." paths to
// the Nth platform.
func locate(doc *Document, path, message, code string) *engine.MatrixError {
	if m := platformPath.FindStringSubmatch(path); m != nil {
		index, _ := strconv.Atoi(m[1])
		field := path[len(m[0]):]
		err := engine.NewValidationError(field, message).WithCode(code)
		if index < len(doc.Platforms) {
			return err.WithPlatform(doc.Platforms[index].JobName(index), index)
		}
		return err.WithPlatform("", index)
	}
	return engine.NewValidationError(path, message).WithCode(code)
}
