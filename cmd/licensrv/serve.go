// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tyfweb/twf-license-management-sub000/internal/api"
	"github.com/tyfweb/twf-license-management-sub000/internal/auth"
	"github.com/tyfweb/twf-license-management-sub000/internal/buildinfo"
	"github.com/tyfweb/twf-license-management-sub000/internal/config"
	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/database"
	"github.com/tyfweb/twf-license-management-sub000/internal/logger"
	"github.com/tyfweb/twf-license-management-sub000/internal/metrics"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/secrets"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/activation"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/approvals"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/issuer"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/registry"
)

const reclaimInterval = time.Hour

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the license server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.New(configPath, buildinfo.Version)
	if err != nil {
		return err
	}

	appLogger := logger.New(cfg.Config)
	cfg.DynamicReload(appLogger)

	log.Info().
		Str("version", buildinfo.Version).
		Str("databasePath", cfg.Config.DatabasePath).
		Msg("Starting licensrv")

	db, err := database.New(cfg.Config.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	encryptionKey, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(encryptionKey)
	if err != nil {
		return err
	}

	keyPairStore := models.NewKeyPairStore(db)
	licenseStore := models.NewLicenseStore(db)
	productKeyStore := models.NewProductKeyStore(db)
	activationStore := models.NewLicenseActivationStore(db)
	offlineStore := models.NewOfflineRequestStore(db)
	approvalStore := models.NewApprovalStore(db)
	apiKeyStore := models.NewAPIKeyStore(db)

	secretStore := secrets.NewDBStore(db, sealer)
	keyManager := keymanager.NewService(keyPairStore, secretStore, cfg.Config.KeyRotationGrace())
	issuerService := issuer.NewService(keyManager, licenseStore)
	registryService := registry.NewService(productKeyStore, keyManager, cfg.Config.ActivationValidity())
	activationService := activation.NewService(licenseStore, activationStore, offlineStore, keyManager, activation.Policy{
		ActivationValidity: cfg.Config.ActivationValidity(),
		RenewalWarning:     time.Duration(cfg.Config.RenewalWarningDays) * 24 * time.Hour,
		AllowReactivation:  cfg.Config.AllowDeviceReactivation,
	})
	approvalService := approvals.NewService(approvalStore)
	authService := auth.NewService(apiKeyStore)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(productKeyStore)
	}

	server := api.NewServer(&api.Dependencies{
		Config:            cfg,
		DB:                db,
		AuthService:       authService,
		KeyManager:        keyManager,
		Issuer:            issuerService,
		Registry:          registryService,
		ActivationService: activationService,
		Approvals:         approvalService,
		Metrics:           metricsManager,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	if metricsManager != nil {
		metricsServer := metrics.NewServer(metricsManager, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		g.Go(func() error {
			return metricsServer.ListenAndServe(ctx)
		})
	}

	if cutoff := cfg.Config.StaleActivationCutoff(); cutoff > 0 {
		g.Go(func() error {
			return runReclaimLoop(ctx, activationService, cutoff)
		})
	}

	return g.Wait()
}

// runReclaimLoop sweeps activations whose heartbeat went silent.
func runReclaimLoop(ctx context.Context, activationService *activation.Service, cutoff time.Duration) error {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := activationService.ReclaimStaleActivations(ctx, cutoff); err != nil {
				log.Error().Err(err).Msg("Stale activation sweep failed")
			}
		}
	}
}
