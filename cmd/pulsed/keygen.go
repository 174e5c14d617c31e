package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pulsed/internal/config"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

type keygenOptions struct {
	path   string
	rotate bool
	force  bool
}

func newKeygenCmd(root *rootOptions) *cobra.Command {
	opts := &keygenOptions{}
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or rotate the vault key ring",
		Long: `Create a new key ring with one random master secret, or add a new
version to an existing ring with --rotate. Older versions are kept so
stored payloads remain readable.

Examples:
  # Create the key ring at the configured path
  pulsed keygen

  # Rotate to a new key version
  pulsed keygen --rotate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.path
			if path == "" {
				cfg, err := config.LoadWithFile(root.configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				path = cfg.Vault.KeyFile
			}
			if path == "" {
				return errors.New("no key file configured; pass --path")
			}
			return runKeygen(cmd, config.ExpandHome(path), opts)
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "", "key ring file (default vault.key_file)")
	cmd.Flags().BoolVar(&opts.rotate, "rotate", false, "add a new key version to an existing ring")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing ring (makes stored events unreadable)")
	return cmd
}

func runKeygen(cmd *cobra.Command, path string, opts *keygenOptions) error {
	existing, err := vault.LoadKeyRing(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading key ring %s: %w", path, err)
	}

	switch {
	case opts.rotate:
		if !exists {
			return fmt.Errorf("no key ring at %s to rotate; run 'pulsed keygen' first", path)
		}
		v, err := vault.New(existing, vault.WithKeyRingPath(path))
		if err != nil {
			return err
		}
		next, err := v.RotateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated key ring %s to version %d\n", path, next)
		return nil

	case exists && !opts.force:
		return fmt.Errorf("key ring already exists at %s; use --rotate to add a version", path)
	}

	ring, err := vault.GenerateKeyRing()
	if err != nil {
		return err
	}
	if err := vault.SaveKeyRing(path, ring); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created key ring %s (version %d)\n", path, ring.Current)
	return nil
}
