// Copyright (C) 2022 K2 Cyber Security Inc.

// Package config holds the settings of a virtualized guest.
package config

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration looked up in the working directory when no
// file is given.
const FileName = "vhook"

// EnvPrefix prefixes environment overrides, e.g. VHOOK_VIRTUALROOT.
const EnvPrefix = "VHOOK"

type Config struct {
	VirtualRoot   string     `json:"virtualRoot" yaml:"virtualRoot" mapstructure:"virtualRoot"`
	PackageName   string     `json:"packageName" yaml:"packageName" mapstructure:"packageName"`
	UserID        int        `json:"userId" yaml:"userId" mapstructure:"userId"`
	ExtraPrefixes []string   `json:"extraPrefixes" yaml:"extraPrefixes" mapstructure:"extraPrefixes"`
	Debug         bool       `json:"debug" yaml:"debug" mapstructure:"debug"`
	Hooks         []HookSpec `json:"hooks" yaml:"hooks" mapstructure:"hooks"`
}

// HookSpec names a function to intercept.
type HookSpec struct {
	Library string `json:"library" yaml:"library" mapstructure:"library"`
	Symbol  string `json:"symbol" yaml:"symbol" mapstructure:"symbol"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ExtraPrefixes: []string{},
		Hooks: []HookSpec{
			{Library: "libc.so", Symbol: "open"},
			{Library: "libc.so", Symbol: "access"},
			{Library: "libc.so", Symbol: "stat"},
			{Library: "libc.so", Symbol: "fork"},
			{Library: "libc.so", Symbol: "execve"},
		},
	}
}

// Load reads the configuration from path, or from ./vhook.yaml when path is
// empty and the file exists, then applies VHOOK_* environment variables and
// the flags that were set.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	def := Default()
	v := viper.New()
	v.SetDefault("virtualRoot", def.VirtualRoot)
	v.SetDefault("packageName", def.PackageName)
	v.SetDefault("userId", def.UserID)
	v.SetDefault("extraPrefixes", def.ExtraPrefixes)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("hooks", def.Hooks)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the paths and identifiers.
func (c *Config) Validate() error {
	if c.VirtualRoot != "" && !path.IsAbs(c.VirtualRoot) {
		return fmt.Errorf("virtualRoot %q must be absolute", c.VirtualRoot)
	}
	if strings.Contains(c.PackageName, "/") {
		return fmt.Errorf("packageName %q must not contain /", c.PackageName)
	}
	if c.UserID < 0 {
		return fmt.Errorf("userId %d must not be negative", c.UserID)
	}
	for _, p := range c.ExtraPrefixes {
		if !path.IsAbs(p) {
			return fmt.Errorf("extra prefix %q must be absolute", p)
		}
	}
	for _, h := range c.Hooks {
		if h.Library == "" || h.Symbol == "" {
			return fmt.Errorf("hook %+v needs a library and a symbol", h)
		}
	}
	return nil
}

// Generate writes cfg as a YAML configuration file.
func Generate(w io.Writer, cfg *Config) error {
	if _, err := io.WriteString(w, "# vhook configuration\n"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
