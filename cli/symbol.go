// Copyright (C) 2022 K2 Cyber Security Inc.

package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/vhook"
	"github.com/k2io/vhook/config"
	"github.com/k2io/vhook/internal/objsym"
)

func init() {
	Register("symbol", Symbol)
	Register("symbols", Symbols)
}

// Symbol resolves symbols of a library in the running process, loading the
// library when the build supports it. Without arguments it resolves the
// hooks of the configuration.
func Symbol(st *State) *cobra.Command {
	return &cobra.Command{
		Use:   "symbol [<library> <symbol>...]",
		Short: "resolve library symbols in this process",
		Example: `vhook symbol libc.so open stat
  vhook symbol --config vhook.yaml`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return fmt.Errorf("no symbol given for %s", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := st.Config.Hooks
			if len(args) > 0 {
				specs = make([]config.HookSpec, 0, len(args)-1)
				for _, sym := range args[1:] {
					specs = append(specs, config.HookSpec{Library: args[0], Symbol: sym})
				}
			}
			if len(specs) == 0 {
				return errors.New("no symbols given and no hooks configured")
			}
			return resolveSymbols(cmd.OutOrStdout(), vhook.DefaultResolver(st.Logger), specs)
		},
	}
}

func resolveSymbols(w io.Writer, resolver vhook.Resolver, specs []config.HookSpec) error {
	table := tablewriter.NewWriter(w)
	table.Header("Library", "Symbol", "Address", "Error")
	failed := 0
	for _, spec := range specs {
		addr, err := resolver.Resolve(spec.Library, spec.Symbol)
		row := []any{spec.Library, spec.Symbol, fmt.Sprintf("%#x", addr), ""}
		if err != nil {
			failed++
			row[2], row[3] = "-", err.Error()
		}
		if err := table.Append(row...); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d symbols not resolved", failed, len(specs))
	}
	return nil
}

// Symbols lists the symbols defined by an object file.
func Symbols(st *State) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "symbols <object-file>",
		Short:   "list the symbols an object file defines",
		Example: "vhook symbols /system/lib64/libc.so --filter stat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := cmd.Flags().GetString("filter")
			if err != nil {
				return err
			}
			syms, err := objsym.ReadSymbols(args[0])
			if err != nil {
				st.Logger.Error("failed to read symbols", zap.String("file", args[0]), zap.Error(err))
				return err
			}
			names := make([]string, 0, len(syms))
			for name := range syms {
				if strings.Contains(name, filter) {
					names = append(names, name)
				}
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Symbol", "Link Address")
			for _, name := range names {
				if err := table.Append(name, fmt.Sprintf("%#x", syms[name])); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().String("filter", "", "Only list symbols containing this text")
	return cmd
}
