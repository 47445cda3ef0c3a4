// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tyfweb/twf-license-management-sub000/internal/auth"
	"github.com/tyfweb/twf-license-management-sub000/internal/buildinfo"
	"github.com/tyfweb/twf-license-management-sub000/internal/config"
	"github.com/tyfweb/twf-license-management-sub000/internal/database"
	"github.com/tyfweb/twf-license-management-sub000/internal/logger"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
)

func RunAPIKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage administrative API keys",
	}

	cmd.AddCommand(runAPIKeyCreateCommand())
	cmd.AddCommand(runAPIKeyListCommand())
	return cmd
}

func runAPIKeyCreateCommand() *cobra.Command {
	var (
		configPath string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrative API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return errors.New("--name is required")
			}

			cfg, err := config.New(configPath, buildinfo.Version)
			if err != nil {
				return err
			}
			logger.New(cfg.Config)

			db, err := database.New(cfg.Config.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			authService := auth.NewService(models.NewAPIKeyStore(db))
			rawKey, apiKey, err := authService.CreateAPIKey(cmd.Context(), name)
			if err != nil {
				return err
			}

			if term.IsTerminal(int(os.Stdout.Fd())) {
				cmd.Printf("Created API key %q (id %d)\n", apiKey.Name, apiKey.ID)
				cmd.Println("The key is shown once, store it now:")
			}
			cmd.Println(rawKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().StringVar(&name, "name", "", "Name identifying the key holder")
	return cmd
}

func runAPIKeyListCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List administrative API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath, buildinfo.Version)
			if err != nil {
				return err
			}
			logger.New(cfg.Config)

			db, err := database.New(cfg.Config.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := models.NewAPIKeyStore(db).List(cmd.Context())
			if err != nil {
				return err
			}

			for _, key := range keys {
				lastUsed := "never"
				if key.LastUsedAt != nil {
					lastUsed = key.LastUsedAt.Format("2006-01-02 15:04")
				}
				cmd.Printf("%d\t%s\tcreated %s\tlast used %s\n",
					key.ID, key.Name, key.CreatedAt.Format("2006-01-02"), lastUsed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	return cmd
}
