package engine

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// MatrixEntry is one job as handed to a pipeline runner.
type MatrixEntry struct {
	// Name is the unique job name.
	Name string `json:"name" yaml:"name" cbor:"name"`

	// OperatingSystem is the platform the job runs on.
	OperatingSystem OperatingSystem `json:"os" yaml:"os" cbor:"os"`

	// DistributionTag optionally narrows the OS.
	DistributionTag string `json:"distribution,omitempty" yaml:"distribution,omitempty" cbor:"distribution,omitempty"`

	// ToolchainVersion is the resolved toolchain version.
	ToolchainVersion string `json:"toolchain_version" yaml:"toolchain_version" cbor:"toolchain_version"`

	// Environment holds the toolchain variables plus the merged job environment.
	Environment map[string]string `json:"env" yaml:"env" cbor:"env"`

	// Actions run in order before the pipeline script.
	Actions []ShellAction `json:"actions" yaml:"actions" cbor:"actions"`

	// PipelineScript is the script invoked after provisioning.
	PipelineScript string `json:"pipeline_script" yaml:"pipeline_script" cbor:"pipeline_script"`

	// CacheDirectories are restored before and persisted after the job.
	CacheDirectories []string `json:"cache_directories" yaml:"cache_directories" cbor:"cache_directories"`
}

// Matrix is the ordered set of jobs produced for one build.
type Matrix struct {
	Entries []MatrixEntry `json:"jobs" yaml:"jobs" cbor:"jobs"`
}

// Len returns the number of jobs.
func (m *Matrix) Len() int {
	return len(m.Entries)
}

// Entry looks a job up by name.
func (m *Matrix) Entry(name string) (MatrixEntry, bool) {
	for _, entry := range m.Entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return MatrixEntry{}, false
}

// Format is a matrix serialization format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unsupported matrix format %q", s)
	}
}

var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("engine: CBOR encoder initialization failed: " + err.Error())
	}
}

// Emit converts resolved jobs into a matrix, one entry per job in the given
// order. Jobs are never deduplicated.
func Emit(jobs []JobSpecification) Matrix {
	entries := make([]MatrixEntry, 0, len(jobs))
	for _, job := range jobs {
		entries = append(entries, MatrixEntry{
			Name:             job.Name,
			OperatingSystem:  job.OperatingSystem,
			DistributionTag:  job.DistributionTag,
			ToolchainVersion: job.ResolvedToolchainVersion,
			Environment:      jobEnvironment(job),
			Actions:          append([]ShellAction{}, job.Actions...),
			PipelineScript:   job.PipelineScriptPath,
			CacheDirectories: append([]string{}, job.ResolvedCacheDirectories...),
		})
	}
	return Matrix{Entries: entries}
}

// jobEnvironment derives the toolchain variables and layers them over the
// job's own environment.
func jobEnvironment(job JobSpecification) map[string]string {
	env := make(map[string]string, len(job.Environment)+3)
	for k, v := range job.Environment {
		env[k] = v
	}
	env["TOOLCHAIN_LANGUAGE"] = job.ToolchainLanguage
	env["TOOLCHAIN_VERSION"] = job.ResolvedToolchainVersion
	if lang := envName(job.ToolchainLanguage); lang != "" {
		env[lang+"_TOOLCHAIN"] = job.ResolvedToolchainVersion
	}
	return env
}

func envName(s string) string {
	return strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s), "_")
}

// Encode writes the matrix in the given format.
func (m *Matrix) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("failed to encode matrix as JSON: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("failed to encode matrix as YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush YAML encoder: %w", err)
		}
	case FormatCBOR:
		data, err := m.MarshalCBOR()
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write matrix: %w", err)
		}
	default:
		return fmt.Errorf("unsupported matrix format %q", format)
	}
	return nil
}

// Bytes returns the matrix encoded in the given format.
func (m *Matrix) Bytes(format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCBOR encodes the matrix with core deterministic CBOR encoding.
// Equal matrices always produce identical bytes.
func (m *Matrix) MarshalCBOR() ([]byte, error) {
	type plain Matrix
	data, err := cborEncMode.Marshal((*plain)(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode matrix as CBOR: %w", err)
	}
	return data, nil
}

// Fingerprint returns the hex BLAKE3 digest of the deterministic CBOR
// encoding of the matrix.
func (m *Matrix) Fingerprint() (string, error) {
	data, err := m.MarshalCBOR()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeMatrix reads a matrix previously written with Encode.
func DecodeMatrix(r io.Reader, format Format) (*Matrix, error) {
	var m Matrix
	switch format {
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to decode JSON matrix: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to decode YAML matrix: %w", err)
		}
	case FormatCBOR:
		if err := cbor.NewDecoder(r).Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to decode CBOR matrix: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported matrix format %q", format)
	}
	return &m, nil
}
