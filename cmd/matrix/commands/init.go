package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

const sampleDefinition = `# Build matrix definition.
#
# Every platform inherits the defaults below and overrides what it needs.
# Cache directories are appended to the defaults, never replaced.

x-llvm: &llvm
  sources:
    - name: llvm
      locator: "deb http://apt.llvm.org/focal/ llvm-toolchain-focal-10 main"
      signing_key_url: https://apt.llvm.org/llvm-snapshot.gpg.key
  pre_install:
    - kind: addPackageSource
      descriptor: llvm
    - kind: installPackage
      descriptor: libclang-10-dev
      source: llvm

defaults:
  toolchain_language: rust
  toolchain_version: 1.52.1
  pipeline_script: ci/run.sh
  cache_directories:
    - target
    - ~/.cargo/registry
  env:
    CARGO_TERM_COLOR: always

platforms:
  - <<: *llvm
    os: linux
    distribution: focal
  - os: macos
    pre_install:
      - kind: installPackage
        descriptor: llvm@10
  - os: windows
    toolchain_version: 1.52.1-x86_64-pc-windows-msvc
`

func newInitCommand() *cobra.Command {
	var (
		definitionPath string
		force          bool
		sshKey         bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a build-matrix workspace",
		Long: `Initialize a workspace: write a sample definition, create the history
database and, optionally, generate an SSH key for remote build hosts.`,
		Example: `  # Initialize in the current directory
  matrix init

  # Put the definition elsewhere and create a build-host key
  matrix init --definition ci/matrix.yaml --ssh-key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			dataDir := filepath.Dir(dbPath)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}

			_, statErr := os.Stat(definitionPath)
			switch {
			case statErr == nil && !force:
				fmt.Fprintf(w, "✓ Definition already exists: %s\n", definitionPath)
			case statErr == nil || errors.Is(statErr, os.ErrNotExist):
				if dir := filepath.Dir(definitionPath); dir != "." {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("failed to create directory %s: %w", dir, err)
					}
				}
				if err := os.WriteFile(definitionPath, []byte(sampleDefinition), 0o644); err != nil {
					return fmt.Errorf("failed to write definition: %w", err)
				}
				fmt.Fprintf(w, "✓ Created definition: %s\n", definitionPath)
			default:
				return statErr
			}

			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Initialized history database: %s\n", dbPath)

			if sshKey {
				keyPath := filepath.Join(dataDir, "keys", "builder-ed25519")
				created, err := generateSSHKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(w, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(w, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(w, "\nNext steps:\n")
			fmt.Fprintf(w, "  matrix validate %s\n", definitionPath)
			fmt.Fprintf(w, "  matrix resolve %s --record\n", definitionPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&definitionPath, "definition", "matrix.yaml", "where to write the sample definition")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing definition")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 key for ssh build hosts")

	return cmd
}

// generateSSHKey writes an OpenSSH ed25519 keypair unless one exists.
func generateSSHKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "buildmatrix")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
