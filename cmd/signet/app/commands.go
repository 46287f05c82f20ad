// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the signet command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/signet/pkg/logger"
	"github.com/stacklok/signet/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "signet",
	DisableAutoGenTag: true,
	Short:             "Signet - OpenID Connect identity provider",
	Long: `Signet is an OpenID Connect 1.0 and OAuth 2.0 identity provider. It serves
the authorization code flow with PKCE, the token endpoint with refresh token
rotation, discovery, JWKS, userinfo, revocation, and introspection, and
federates sign-in to Google, Microsoft, Facebook, and X.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help.
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// bindFlag mirrors a flag into viper so config lookups see CLI overrides.
func bindFlag(name string, flags *pflag.FlagSet) {
	if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
		logger.Errorf("Error binding %s flag: %v", name, err)
	}
}

// NewRootCmd creates the root command for the signet CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	bindFlag("debug", rootCmd.PersistentFlags())
	bindFlag("config", rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClientsCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Printf("signet %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}
