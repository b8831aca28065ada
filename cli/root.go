// Copyright (C) 2022 K2 Cyber Security Inc.

// Package cli is the vhook command tree.
package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/vhook/config"
	"github.com/k2io/vhook/internal/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootExamples = `
  Resolve a function in the running process:
	vhook symbol libc.so open

  Check whether a device library function can be hooked:
	vhook inspect ./libc.so open

  Translate guest paths:
	vhook redirect --virtualRoot /sandbox --packageName com.example /data/data/com.example/files/x

  Create the virtual tree of a package:
	vhook layout create --virtualRoot /sandbox --packageName com.example
`

// State is shared by the commands. Config and Logger are set once the
// flags are parsed.
type State struct {
	Config *config.Config
	Logger *zap.Logger
}

// CommandFunc builds one top level command.
type CommandFunc func(st *State) *cobra.Command

var registered = map[string]CommandFunc{}

// Register adds a top level command. It is called from init functions.
func Register(name string, f CommandFunc) {
	registered[name] = f
}

// Root returns the vhook command. log is used until the configuration asks
// for debug output.
func Root(log *zap.Logger) *cobra.Command {
	st := &State{Config: config.Default(), Logger: log}

	rootCmd := &cobra.Command{
		Use:           "vhook",
		Short:         "Inline function hooking and guest storage redirection",
		Example:       rootExamples,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadState(cmd, st)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(`{{with .Version}}{{printf "vhook %s" .}}{{end}}{{"\n"}}`)
	SetFlags(rootCmd, st.Config)

	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rootCmd.AddCommand(registered[name](st))
	}
	return rootCmd
}

// SetFlags adds the configuration flags shared by every command.
func SetFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.PersistentFlags().String("config", "", "Path to the configuration file (default ./vhook.yaml)")
	cmd.PersistentFlags().Bool("debug", conf.Debug, "Run in debug mode")
	cmd.PersistentFlags().String("virtualRoot", conf.VirtualRoot, "Directory holding the virtual tree")
	cmd.PersistentFlags().String("packageName", conf.PackageName, "Package name of the guest")
	cmd.PersistentFlags().Int("userId", conf.UserID, "User the package directories belong to")
	cmd.PersistentFlags().StringSlice("extraPrefixes", conf.ExtraPrefixes, "Additional path prefixes to redirect")
}

func loadState(cmd *cobra.Command, st *State) error {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	conf, err := config.Load(file, cmd.Flags())
	if err != nil {
		st.Logger.Error("failed to load configuration", zap.Error(err))
		return err
	}
	st.Config = conf
	if conf.Debug {
		debugLogger, err := logger.New(true)
		if err != nil {
			return fmt.Errorf("failed to build debug logger: %w", err)
		}
		st.Logger = debugLogger
	}
	st.Logger.Debug("initialized with configuration", zap.Any("conf", conf))
	return nil
}
