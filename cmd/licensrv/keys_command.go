// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tyfweb/twf-license-management-sub000/internal/buildinfo"
	"github.com/tyfweb/twf-license-management-sub000/internal/config"
	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/database"
	"github.com/tyfweb/twf-license-management-sub000/internal/logger"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/secrets"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
)

// openKeyManager wires the minimal stack the offline administrative
// commands need.
func openKeyManager(configPath string) (*keymanager.Service, *database.DB, *config.AppConfig, error) {
	cfg, err := config.New(configPath, buildinfo.Version)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.New(cfg.Config)

	db, err := database.New(cfg.Config.DatabasePath)
	if err != nil {
		return nil, nil, nil, err
	}

	encryptionKey, err := cfg.EncryptionKeyBytes()
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	sealer, err := crypto.NewSealer(encryptionKey)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	secretStore := secrets.NewDBStore(db, sealer)
	keyManager := keymanager.NewService(models.NewKeyPairStore(db), secretStore, cfg.Config.KeyRotationGrace())
	return keyManager, db, cfg, nil
}

func RunKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage product signing keys",
	}

	cmd.AddCommand(runKeysGenerateCommand())
	cmd.AddCommand(runKeysRotateCommand())
	return cmd
}

func runKeysGenerateCommand() *cobra.Command {
	var (
		configPath string
		productID  string
		keySize    int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key pair for a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if productID == "" {
				return errors.New("--product is required")
			}

			keyManager, db, cfg, err := openKeyManager(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if keySize == 0 {
				keySize = cfg.Config.DefaultKeySize
			}

			publicKeyPEM, err := keyManager.GenerateKeyPair(cmd.Context(), productID, keySize)
			if err != nil {
				return err
			}

			cmd.Printf("Generated %d-bit key pair for %s\n", keySize, productID)
			cmd.Printf("%s", publicKeyPEM)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().StringVar(&productID, "product", "", "Product identifier")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "RSA key size (2048 or 4096)")
	return cmd
}

func runKeysRotateCommand() *cobra.Command {
	var (
		configPath string
		productID  string
		keySize    int
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing key pair for a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if productID == "" {
				return errors.New("--product is required")
			}

			keyManager, db, cfg, err := openKeyManager(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if keySize == 0 {
				keySize = cfg.Config.DefaultKeySize
			}

			publicKeyPEM, err := keyManager.RotateKeys(cmd.Context(), productID, keySize)
			if err != nil {
				return err
			}

			cmd.Printf("Rotated key pair for %s\n", productID)
			cmd.Printf("%s", publicKeyPEM)
			cmd.Printf("Previous signatures verify for another %s\n", cfg.Config.KeyRotationGrace())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().StringVar(&productID, "product", "", "Product identifier")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "RSA key size (2048 or 4096)")
	return cmd
}
