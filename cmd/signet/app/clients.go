// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/config"
	"github.com/stacklok/signet/pkg/oauthtypes"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage OAuth client registrations",
	}
	cmd.AddCommand(newClientsListCmd())
	cmd.AddCommand(newClientsRegisterCmd())
	return cmd
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			repo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			registry := clients.NewRegistry(repo)
			list, err := registry.List(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No clients are registered.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Options(
				tablewriter.WithHeader([]string{"Client ID", "Name", "Auth Method", "Redirect URIs"}),
				tablewriter.WithRendition(
					tw.Rendition{
						Borders: tw.Border{
							Left:   tw.State(1),
							Top:    tw.State(1),
							Right:  tw.State(1),
							Bottom: tw.State(1),
						},
					},
				),
				tablewriter.WithAlignment(tw.MakeAlign(4, tw.AlignLeft)),
			)
			for _, c := range list {
				if err := table.Append([]string{
					c.ID,
					c.Name,
					c.TokenEndpointAuthMethod,
					strings.Join(c.RedirectURIs, "\n"),
				}); err != nil {
					return fmt.Errorf("failed to append row: %w", err)
				}
			}
			if err := table.Render(); err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}
			return nil
		},
	}
}

func newClientsRegisterCmd() *cobra.Command {
	var (
		name         string
		redirectURIs []string
		grantTypes   []string
		scopes       []string
		public       bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new OAuth client",
		Long: `Register a new OAuth client. Confidential clients get a generated secret
which is printed exactly once; only its hash is stored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			repo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			input := clients.RegisterInput{
				Name:         name,
				RedirectURIs: redirectURIs,
				GrantTypes:   grantTypes,
				Scopes:       scopes,
			}
			if public {
				input.TokenEndpointAuthMethod = oauthtypes.AuthMethodNone
			}

			registered, err := clients.NewRegistry(repo).Register(ctx, input)
			if err != nil {
				return err
			}

			fmt.Printf("client_id: %s\n", registered.ID)
			if registered.Secret != "" {
				fmt.Printf("client_secret: %s\n", registered.Secret)
				fmt.Println("Store the secret now; it cannot be retrieved later.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable client name")
	cmd.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringArrayVar(&grantTypes, "grant-type", nil, "Allowed grant type (repeatable)")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Allowed scope (repeatable)")
	cmd.Flags().BoolVar(&public, "public", false, "Register a public client with no secret (PKCE only)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}
