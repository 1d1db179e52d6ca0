package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// hclDocument is the top-level structure of an HCL definition:
//
//	defaults {
//	  toolchain_language = "rust"
//	  toolchain_version  = "1.52.1"
//	  pipeline_script    = "ci/run.sh"
//	}
//
//	platform "linux" {
//	  source "llvm" { locator = "..." }
//	  step "addPackageSource" { descriptor = "llvm" }
//	  step "installPackage" { descriptor = "clang-10" source = "llvm" }
//	}
type hclDocument struct {
	Defaults  *hclDefaults   `hcl:"defaults,block"`
	Platforms []*hclPlatform `hcl:"platform,block"`
	Generate  string         `hcl:"generate,optional"`
}

type hclDefaults struct {
	ToolchainLanguage string            `hcl:"toolchain_language,optional"`
	ToolchainVersion  string            `hcl:"toolchain_version,optional"`
	PipelineScript    string            `hcl:"pipeline_script,optional"`
	CacheDirectories  []string          `hcl:"cache_directories,optional"`
	Environment       map[string]string `hcl:"env,optional"`
	Variables         map[string]string `hcl:"variables,optional"`
	Steps             []*hclStep        `hcl:"step,block"`
}

type hclPlatform struct {
	OS               string            `hcl:"os,label"`
	Name             string            `hcl:"name,optional"`
	Distribution     string            `hcl:"distribution,optional"`
	ToolchainVersion string            `hcl:"toolchain_version,optional"`
	PipelineScript   string            `hcl:"pipeline_script,optional"`
	CacheDirectories []string          `hcl:"cache_directories,optional"`
	Environment      map[string]string `hcl:"env,optional"`
	Variables        map[string]string `hcl:"variables,optional"`
	Sources          []*hclSource      `hcl:"source,block"`
	Steps            []*hclStep        `hcl:"step,block"`
}

type hclSource struct {
	Name          string `hcl:"name,label"`
	Locator       string `hcl:"locator,optional"`
	SigningKeyURL string `hcl:"signing_key_url,optional"`
}

type hclStep struct {
	Kind       string   `hcl:"kind,label"`
	Descriptor string   `hcl:"descriptor,optional"`
	Version    string   `hcl:"version,optional"`
	Flags      []string `hcl:"flags,optional"`
	Source     string   `hcl:"source,optional"`
}

// decodeHCL parses HCL source into a Document.
func decodeHCL(data []byte, filename string) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, convertHCLDiagnostics(diags)
	}

	var parsed hclDocument
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, convertHCLDiagnostics(diags)
	}

	doc := &Document{Generate: parsed.Generate}
	if d := parsed.Defaults; d != nil {
		doc.Defaults = engine.DefaultsConfig{
			ToolchainLanguage:  d.ToolchainLanguage,
			ToolchainVersion:   d.ToolchainVersion,
			PipelineScriptPath: d.PipelineScript,
			CacheDirectories:   d.CacheDirectories,
			PreInstallSteps:    hclSteps(d.Steps),
			Environment:        d.Environment,
			Variables:          d.Variables,
		}
	}

	for _, p := range parsed.Platforms {
		platform := engine.PlatformOverride{
			Name:                     p.Name,
			OperatingSystem:          engine.OperatingSystem(p.OS),
			DistributionTag:          p.Distribution,
			ToolchainVersionOverride: p.ToolchainVersion,
			PipelineScriptOverride:   p.PipelineScript,
			CacheDirectories:         p.CacheDirectories,
			PreInstallSteps:          hclSteps(p.Steps),
			Environment:              p.Environment,
			Variables:                p.Variables,
		}
		for _, src := range p.Sources {
			platform.PackageSources = append(platform.PackageSources, engine.SourceDescriptor{
				Name:          src.Name,
				Locator:       src.Locator,
				SigningKeyURL: src.SigningKeyURL,
			})
		}
		doc.Platforms = append(doc.Platforms, platform)
	}

	return doc, nil
}

func hclSteps(blocks []*hclStep) []engine.ProvisioningStep {
	if len(blocks) == 0 {
		return nil
	}
	steps := make([]engine.ProvisioningStep, 0, len(blocks))
	for _, b := range blocks {
		steps = append(steps, engine.ProvisioningStep{
			Kind:          engine.StepKind(b.Kind),
			Descriptor:    b.Descriptor,
			PinnedVersion: b.Version,
			ExtraFlags:    b.Flags,
			Source:        b.Source,
		})
	}
	return steps
}

func convertHCLDiagnostics(diags hcl.Diagnostics) Diagnostics {
	var out Diagnostics
	for _, diag := range diags {
		if diag.Severity != hcl.DiagError {
			continue
		}
		d := Diagnostic{Message: diag.Summary}
		if diag.Detail != "" {
			d.Message += ": " + diag.Detail
		}
		if diag.Subject != nil {
			d.File = diag.Subject.Filename
			d.Line = diag.Subject.Start.Line
			d.Column = diag.Subject.Start.Column
		}
		out = append(out, d)
	}
	return out
}
