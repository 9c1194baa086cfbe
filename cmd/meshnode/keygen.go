package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var force bool
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or show the node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			path := cfg.Node.KeyFile

			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			id, created, err := loadIdentity(path)
			if err != nil {
				return err
			}
			defer id.Zero()

			view := map[string]any{
				"key_file":    path,
				"created":     created,
				"peer_id":     hex.EncodeToString(id.PeerID()),
				"fingerprint": id.Fingerprint(),
				"signing_key": hex.EncodeToString(id.SigningPublic()),
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "key_file: %s\ncreated: %t\npeer_id: %s\nfingerprint: %s\n",
				path, created, view["peer_id"], view["fingerprint"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing key file")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
