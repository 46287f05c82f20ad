// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/signet/pkg/config"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/keys"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysRotateCmd())
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List signing keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			km, cleanup, err := openKeyManager(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			all := km.List()
			if len(all) == 0 {
				fmt.Println("No signing keys exist yet.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Options(
				tablewriter.WithHeader([]string{"Key ID", "Algorithm", "Created", "Status"}),
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
			for _, key := range all {
				status := "active"
				if key.Retired() {
					status = fmt.Sprintf("retired %s", key.RetiredAt.UTC().Format(time.RFC3339))
				}
				if err := table.Append([]string{
					key.KeyID,
					string(key.Algorithm),
					key.CreatedAt.UTC().Format(time.RFC3339),
					status,
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

func newKeysRotateCmd() *cobra.Command {
	var alg string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new signing key and retire the previous one",
		Long: `Generate a new signing key for the given algorithm family and retire the
previously active key. Retired keys stay in the JWKS for a grace period so
outstanding tokens keep verifying.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			km, cleanup, err := openKeyManager(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			previous, err := km.LatestActive(jose.Algorithm(alg))
			if err != nil {
				previous = nil
			}
			key, err := km.Generate(ctx, jose.Algorithm(alg))
			if err != nil {
				return err
			}
			if previous != nil {
				if err := km.Retire(ctx, previous.KeyID); err != nil {
					return fmt.Errorf("failed to retire %s: %w", previous.KeyID, err)
				}
				fmt.Printf("Retired key %s\n", previous.KeyID)
			}
			fmt.Printf("Generated key %s (%s)\n", key.KeyID, key.Algorithm)
			return nil
		},
	}

	cmd.Flags().StringVar(&alg, "alg", string(jose.RS256), "Signing algorithm for the new key")
	return cmd
}

// openKeyManager connects storage and loads the key manager for a CLI command.
func openKeyManager(cmd *cobra.Command) (*keys.Manager, func(), error) {
	ctx := cmd.Context()
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	km, err := keys.NewManager(ctx, repo)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return km, func() { _ = repo.Close() }, nil
}
