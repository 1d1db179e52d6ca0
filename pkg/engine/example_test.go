package engine_test

import (
	"fmt"
	"os"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// Example_build shows a two-platform matrix where the linux job adds a
// package source before installing from it.
func Example_build() {
	def := engine.Definition{
		Defaults: engine.DefaultsConfig{
			ToolchainLanguage:  "rust",
			ToolchainVersion:   "1.52.1",
			PipelineScriptPath: "ci/run.sh",
			CacheDirectories:   []string{"target"},
		},
		Platforms: []engine.PlatformOverride{
			{
				OperatingSystem: engine.OSLinux,
				PreInstallSteps: []engine.ProvisioningStep{
					{Kind: engine.StepAddPackageSource, Descriptor: "llvm-10"},
					{Kind: engine.StepInstallPackage, Descriptor: "libclang-10-dev", Source: "llvm-10"},
				},
			},
			{
				OperatingSystem:          engine.OSWindows,
				ToolchainVersionOverride: "1.52.1-x86_64-pc-windows-msvc",
			},
		},
	}

	m, err := engine.Build(def)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, entry := range m.Entries {
		fmt.Printf("%s %s\n", entry.Name, entry.ToolchainVersion)
		for _, action := range entry.Actions {
			fmt.Printf("  %s\n", action.Command)
		}
	}

	// Output:
	// linux-0 1.52.1
	//   sudo add-apt-repository -y llvm-10 && sudo apt-get update -q
	//   sudo apt-get install -y libclang-10-dev
	// windows-1 1.52.1-x86_64-pc-windows-msvc
}

// ExampleResolve demonstrates the cache union and scalar override rules.
func ExampleResolve() {
	defaults := engine.DefaultsConfig{
		ToolchainLanguage:  "rust",
		ToolchainVersion:   "1.52.1",
		PipelineScriptPath: "ci/run.sh",
		CacheDirectories:   []string{"target", "~/.cargo"},
	}

	job, err := engine.Resolve(defaults, engine.PlatformOverride{
		OperatingSystem:          engine.OSMacOS,
		ToolchainVersionOverride: "1.53.0",
		CacheDirectories:         []string{"~/.cargo", "~/Library/Caches"},
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(job.ResolvedToolchainVersion)
	fmt.Println(job.ResolvedCacheDirectories)

	// Output:
	// 1.53.0
	// [target ~/.cargo ~/Library/Caches]
}

// ExampleMatrix_Encode writes a single-job matrix as JSON.
func ExampleMatrix_Encode() {
	m, err := engine.Build(engine.Definition{
		Defaults: engine.DefaultsConfig{
			ToolchainLanguage:  "go",
			ToolchainVersion:   "1.22",
			PipelineScriptPath: "ci/test.sh",
		},
		Platforms: []engine.PlatformOverride{{Name: "mac", OperatingSystem: engine.OSMacOS}},
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if err := m.Encode(os.Stdout, engine.FormatJSON); err != nil {
		fmt.Println("error:", err)
	}

	// Output:
	// {
	//   "jobs": [
	//     {
	//       "name": "mac",
	//       "os": "macos",
	//       "toolchain_version": "1.22",
	//       "env": {
	//         "GO_TOOLCHAIN": "1.22",
	//         "TOOLCHAIN_LANGUAGE": "go",
	//         "TOOLCHAIN_VERSION": "1.22"
	//       },
	//       "actions": [],
	//       "pipeline_script": "ci/test.sh",
	//       "cache_directories": []
	//     }
	//   ]
	// }
}
