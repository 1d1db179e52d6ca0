// Package engine resolves declarative build-matrix definitions into
// fully-specified, independently executable jobs.
//
// # Overview
//
// A Definition holds one DefaultsConfig and an ordered list of
// PlatformOverride values. Resolution runs in three pure stages:
//
//  1. Resolve - merge the defaults with one platform (JobSpecification)
//  2. Expand - turn provisioning steps into ordered ShellAction values
//  3. Emit - serialize jobs into the Matrix consumed by a PipelineRunner
//
// Build runs all three over a whole definition and fails atomically.
//
// # Merge Rules
//
//   - Scalars (toolchain version, pipeline script): the platform wins if set
//   - Cache directories: union, defaults first, first occurrence wins
//   - Provisioning steps: defaults-level steps, then platform steps as declared
//   - Environment and variables: map merge, the platform wins
//
// # Provisioning
//
// Each operating system maps to one package manager: linux uses apt, macos
// uses Homebrew and windows uses Chocolatey. Steps are expanded in strict
// declaration order; an installPackage step naming a Source must follow the
// addPackageSource step that registers it.
//
// # Errors
//
// All failures are *MatrixError values classified as validation,
// unresolved_dependency or merge_conflict, carrying the offending platform
// and field. Use IsValidation, IsUnresolvedDependency and IsMergeConflict to
// inspect them.
package engine
