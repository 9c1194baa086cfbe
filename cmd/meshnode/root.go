package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-mesh/pkg/config"
	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "meshnode",
		Short:         "Zentalk mesh node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to YAML config file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().String("key", "", "Path to identity key file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// configFromCmd loads the config file and applies the persistent flags
func configFromCmd(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		cfg.Node.KeyFile = key
	}
	return cfg, cfg.Validate()
}

// loadIdentity loads or creates the node identity, creating its directory
func loadIdentity(path string) (*crypto.Identity, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create key directory: %w", err)
	}
	return crypto.LoadOrCreateIdentity(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
