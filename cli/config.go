// Copyright (C) 2022 K2 Cyber Security Inc.

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/vhook/config"
)

func init() {
	Register("config", Config)
}

// Config manages the configuration file.
func Config(st *State) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "manage the vhook configuration file",
	}
	generate := &cobra.Command{
		Use:     "generate",
		Short:   "write the effective configuration as YAML",
		Example: "vhook config generate --virtualRoot /sandbox --out vhook.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}
			if out == "" {
				return config.Generate(cmd.OutOrStdout(), st.Config)
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o644)
			if err != nil {
				if os.IsExist(err) {
					return fmt.Errorf("%s already exists, use --force to overwrite it", out)
				}
				return err
			}
			if err := config.Generate(f, st.Config); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			st.Logger.Info("configuration written", zap.String("file", out))
			return nil
		},
	}
	generate.Flags().String("out", "", "File to write instead of stdout")
	generate.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.AddCommand(generate)
	return cmd
}
