// Copyright (C) 2022 K2 Cyber Security Inc.

package cli

import (
	"errors"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/vhook/config"
	"github.com/k2io/vhook/redirect"
)

func init() {
	Register("redirect", Redirect)
	Register("layout", Layout)
}

func newRedirector(st *State) *redirect.Redirector {
	r := redirect.New(st.Logger.Named("redirect"))
	applyConfig(r, st.Config)
	return r
}

func applyConfig(r *redirect.Redirector, cfg *config.Config) {
	r.SetUserID(cfg.UserID)
	r.SetExtraPrefixes(cfg.ExtraPrefixes)
	r.Configure(cfg.VirtualRoot, cfg.PackageName)
}

// Redirect prints where guest paths land in the virtual tree.
func Redirect(st *State) *cobra.Command {
	return &cobra.Command{
		Use:     "redirect <path>...",
		Short:   "translate guest paths into the virtual tree",
		Example: "vhook redirect --virtualRoot /sandbox --packageName com.example /data/data/com.example/files/x /system/lib/libc.so",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRedirector(st)
			if r.VirtualRoot() == "" {
				st.Logger.Warn("no virtual root configured, paths are not redirected")
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Path", "Redirected", "Error")
			for _, p := range args {
				out, err := r.Translate(p)
				row := []any{p, out, ""}
				if err != nil {
					row[2] = err.Error()
				} else if out == p {
					row[1] = "-"
				}
				if err := table.Append(row...); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

// Layout creates or removes the virtual tree of the configured package.
func Layout(st *State) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "manage the on-disk virtual tree of a package",
	}
	create := &cobra.Command{
		Use:     "create",
		Short:   "create the package directories",
		Example: "vhook layout create --virtualRoot /sandbox --packageName com.example",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := newRedirector(st)
			if err := r.EnsureLayout(0o771); err != nil {
				st.Logger.Error("failed to create layout", zap.Error(err))
				return err
			}
			for _, dir := range r.Layout() {
				fmt.Fprintln(cmd.OutOrStdout(), dir)
			}
			return nil
		},
	}
	clean := &cobra.Command{
		Use:     "clean",
		Short:   "remove the package directories",
		Example: "vhook layout clean --virtualRoot /sandbox --packageName com.example",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := newRedirector(st)
			if err := r.Cleanup(); err != nil {
				if errors.Is(err, redirect.ErrNotConfigured) {
					st.Logger.Error("set virtualRoot and packageName first")
				}
				return err
			}
			return nil
		},
	}
	cmd.AddCommand(create, clean)
	return cmd
}
