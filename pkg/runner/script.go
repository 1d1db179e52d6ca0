package runner

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ScriptOptions controls RenderScript.
type ScriptOptions struct {
	// WorkDir is entered before anything else runs. Empty keeps the
	// shell's starting directory.
	WorkDir string

	// CacheRoot enables shell-level cache restore and persist. Cache
	// directories are copied from CacheRoot before the actions run and
	// back after the pipeline script succeeds.
	CacheRoot string
}

// RenderScript renders an entry as a POSIX shell script: exports for the
// entry environment, each shell action in order, then the pipeline script.
// The script stops at the first failing command and exits with its status.
func RenderScript(entry engine.MatrixEntry, opts ScriptOptions) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "#!/bin/sh\n# job: %s\nset -e\n", oneLine(entry.Name))

	if opts.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s\n", shellPath(opts.WorkDir))
	}

	keys := make([]string, 0, len(entry.Environment))
	for k := range entry.Environment {
		if !envName.MatchString(k) {
			return "", fmt.Errorf("job %s: invalid environment variable name %q", entry.Name, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(entry.Environment[k]))
	}

	if opts.CacheRoot != "" {
		for _, dir := range entry.CacheDirectories {
			slot := shellPath(opts.CacheRoot) + "/" + CacheKey(entry.Name, dir)
			fmt.Fprintf(&b, "if [ -d %s ]; then mkdir -p %s && cp -R %s/. %s; fi\n",
				slot, shellPath(dir), slot, shellPath(dir))
		}
	}

	for _, action := range entry.Actions {
		fmt.Fprintf(&b, "# %s (step %d)\n%s\n", action.Kind, action.Step, action.Command)
	}

	if entry.PipelineScript != "" {
		fmt.Fprintf(&b, "sh %s\n", shellPath(entry.PipelineScript))
	}

	if opts.CacheRoot != "" {
		for _, dir := range entry.CacheDirectories {
			slot := shellPath(opts.CacheRoot) + "/" + CacheKey(entry.Name, dir)
			fmt.Fprintf(&b, "if [ -d %s ]; then rm -rf %s && mkdir -p %s && cp -R %s/. %s; fi\n",
				shellPath(dir), slot, slot, shellPath(dir), slot)
		}
	}

	return b.String(), nil
}

// CacheKey names the cache slot for one job's cache directory. Slots are
// stable across runs so a job restores what its previous run persisted.
func CacheKey(job, dir string) string {
	sum := blake3.Sum256([]byte(job + "\x00" + dir))
	return hex.EncodeToString(sum[:16])
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellPath quotes a path, leaving a leading "~/" for the shell to expand.
func shellPath(p string) string {
	if p == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(p, "~/") {
		return `"$HOME"/` + shellQuote(p[2:])
	}
	return shellQuote(p)
}

func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
