// Copyright (C) 2022 K2 Cyber Security Inc.

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/k2io/vhook"
	"github.com/k2io/vhook/internal/objsym"
)

func init() {
	Register("inspect", Inspect)
}

// Report is the result of inspecting one function.
type Report struct {
	File         string       `yaml:"file"`
	Symbol       string       `yaml:"symbol"`
	Arch         string       `yaml:"arch"`
	Addr         string       `yaml:"addr"`
	PatchLength  int          `yaml:"patchLength"`
	Hookable     bool         `yaml:"hookable"`
	Reason       string       `yaml:"reason,omitempty"`
	Instructions []InsnReport `yaml:"instructions"`
}

// InsnReport is one instruction of the patch window.
type InsnReport struct {
	Addr     string `yaml:"addr"`
	Word     string `yaml:"word"`
	Text     string `yaml:"text"`
	Relative bool   `yaml:"relative,omitempty"`
	Exit     bool   `yaml:"exit,omitempty"`
}

// Inspect decodes the patch window of a function stored in an ELF file and
// reports whether the engine would accept it as a hook target.
func Inspect(st *State) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "inspect <object-file> <symbol>",
		Short:   "check whether a function can be hooked",
		Example: "vhook inspect ./libc.so open -o yaml",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			archName, err := cmd.Flags().GetString("arch")
			if err != nil {
				return err
			}
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			report, err := InspectFunction(args[0], args[1], archName)
			if err != nil {
				st.Logger.Error("failed to inspect function", zap.String("file", args[0]), zap.String("symbol", args[1]), zap.Error(err))
				return err
			}
			switch output {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(report); err != nil {
					return err
				}
				return enc.Close()
			case "table":
				return renderReport(cmd.OutOrStdout(), report)
			}
			return fmt.Errorf("unknown output format %q", output)
		},
	}
	cmd.Flags().String("arch", "", "Architecture to decode as (arm64, arm); taken from the file by default")
	cmd.Flags().StringP("output", "o", "table", "Output format (table, yaml)")
	return cmd
}

// InspectFunction reads symbol from file and checks its patch window.
func InspectFunction(file, symbol, archName string) (*Report, error) {
	// 16 bytes cover the largest window of every strategy
	code, err := objsym.ReadCode(file, symbol, 16)
	if err != nil {
		return nil, err
	}
	if archName == "" {
		archName = code.Arch
	}
	arch, err := vhook.ArchFor(archName)
	if err != nil {
		return nil, err
	}
	n := arch.MinimumPatchSize()
	window := code.Bytes
	if len(window) > n {
		window = window[:n]
	}

	report := &Report{
		File:        file,
		Symbol:      symbol,
		Arch:        arch.Name(),
		Addr:        fmt.Sprintf("%#x", code.Addr),
		PatchLength: n,
	}
	for _, in := range arch.Disassemble(window, code.Addr) {
		report.Instructions = append(report.Instructions, InsnReport{
			Addr:     fmt.Sprintf("%#x", in.Addr),
			Word:     fmt.Sprintf("%08x", in.Raw),
			Text:     in.Text,
			Relative: in.Relative,
			Exit:     in.Exit,
		})
	}

	err = arch.CheckAddress(code.Addr)
	if err == nil && len(window) < n {
		err = fmt.Errorf("%w: only %d bytes of code", vhook.ErrFunctionTooShort, len(window))
	}
	if err == nil {
		err = vhook.CheckWindow(arch, window, code.Addr)
	}
	report.Hookable = err == nil
	if err != nil {
		report.Reason = err.Error()
		if !errors.Is(err, vhook.ErrRelativeAddr) && !errors.Is(err, vhook.ErrFunctionTooShort) &&
			!errors.Is(err, vhook.ErrUnsupportedMode) && !errors.Is(err, vhook.ErrInvalidArgument) {
			return nil, err
		}
	}
	return report, nil
}

func renderReport(w io.Writer, r *Report) error {
	verdict := "hookable"
	if !r.Hookable {
		verdict = "not hookable: " + r.Reason
	}
	if _, err := fmt.Fprintf(w, "%s %s at %s (%s, %d byte window): %s\n", r.File, r.Symbol, r.Addr, r.Arch, r.PatchLength, verdict); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Word", "Instruction", "Relative", "Exit")
	for _, in := range r.Instructions {
		if err := table.Append(in.Addr, in.Word, in.Text, yesNo(in.Relative), yesNo(in.Exit)); err != nil {
			return err
		}
	}
	return table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
