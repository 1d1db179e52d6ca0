// Package config loads matrix definitions from disk.
//
// # Overview
//
// A definition holds one `defaults` section and an ordered `platforms` list.
// The Loader picks a decoder from the file extension:
//
//   - .yaml, .yml: YAML. Anchors and `<<:` merge keys let one platform take
//     all fields from a shared block and replace only what differs.
//   - .json, .jsonc: JSON with comments and trailing commas.
//   - .cue: CUE, unified with the built-in #Definition schema.
//   - .hcl: HCL with `defaults {}` and `platform "<os>" {}` blocks.
//
// Every document is then checked with struct tags and, unless it was CUE,
// against the same CUE schema. Problems are reported as
// *engine.MatrixError values naming the offending platform and field, or as
// Diagnostics carrying file positions for syntax errors.
//
// # Generators
//
// A document may name a Starlark script in `generate`. The script sees the
// document's `defaults` and `declared` platforms and must bind a global
// `platforms` list; those platforms are appended after the declared ones:
//
//	def variant(version):
//	    return {"os": "linux", "name": "linux-" + version, "toolchain_version": version}
//
//	platforms = [variant(v) for v in ["stable", "beta", "nightly"]]
//
// Scripts have no filesystem or network access, print is suppressed and
// execution is bounded by a timeout.
//
// # Watching
//
// Watcher reloads a definition, and its generator script, whenever either
// changes on disk.
package config
