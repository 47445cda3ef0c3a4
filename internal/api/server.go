// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api wires the HTTP surface: device-facing activation routes
// and API-key-guarded administrative routes.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/api/handlers"
	"github.com/tyfweb/twf-license-management-sub000/internal/api/middleware"
	"github.com/tyfweb/twf-license-management-sub000/internal/auth"
	"github.com/tyfweb/twf-license-management-sub000/internal/config"
	"github.com/tyfweb/twf-license-management-sub000/internal/database"
	"github.com/tyfweb/twf-license-management-sub000/internal/metrics"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/activation"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/approvals"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/issuer"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/registry"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Config            *config.AppConfig
	DB                *database.DB
	AuthService       *auth.Service
	KeyManager        *keymanager.Service
	Issuer            *issuer.Service
	Registry          *registry.Service
	ActivationService *activation.Service
	Approvals         *approvals.Service
	Metrics           *metrics.Manager
}

type Server struct {
	deps *Dependencies
	srv  *http.Server
}

func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	corsMiddleware := cors.New(cors.Options{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.deps.DB)
	productKeysHandler := handlers.NewProductKeysHandler(s.deps.Registry, s.deps.Metrics)
	activationsHandler := handlers.NewActivationsHandler(s.deps.ActivationService)
	licensesHandler := handlers.NewLicensesHandler(s.deps.Issuer, s.deps.Metrics)
	keysHandler := handlers.NewKeysHandler(s.deps.KeyManager, s.deps.Metrics, s.deps.Config.Config.DefaultKeySize)
	approvalsHandler := handlers.NewApprovalsHandler(s.deps.Approvals)

	basePath := normalizeBasePath(s.deps.Config.Config.BaseURL)

	r.Route(basePath+"api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		r.Get("/version", healthHandler.Version)

		// Device-facing routes, no credentials.
		r.Route("/productkey", func(r chi.Router) {
			r.Post("/activate", productKeysHandler.ActivateProductKey)
			r.Get("/validate/{productKey}", productKeysHandler.ValidateProductKey)
			r.Get("/activation/{signature}", productKeysHandler.GetActivation)
			r.Post("/deactivate", productKeysHandler.DeactivateProductKey)
		})
		r.Route("/activation", func(r chi.Router) {
			r.Post("/activate", activationsHandler.ActivateLicense)
			r.Post("/validate", activationsHandler.ValidateLicense)
			r.Post("/deactivate", activationsHandler.DeactivateLicense)
			r.Post("/heartbeat", activationsHandler.Heartbeat)
			r.Post("/usage", activationsHandler.TrackUsage)
			r.Route("/offline", func(r chi.Router) {
				r.Post("/request", activationsHandler.GenerateOfflineRequest)
				r.Post("/activate", activationsHandler.ProcessOfflineActivation)
			})
		})

		// Administrative routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(s.deps.AuthService))

			r.Post("/productkey/register", productKeysHandler.RegisterProductKey)
			r.Post("/productkey/revoke", productKeysHandler.RevokeProductKey)

			r.Route("/licenses", func(r chi.Router) {
				r.Get("/", licensesHandler.ListLicenses)
				r.Post("/issue", licensesHandler.IssueLicense)
				r.Get("/{licenseId}", licensesHandler.GetLicense)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Post("/generate", keysHandler.GenerateKeys)
				r.Post("/rotate", keysHandler.RotateKeys)
				r.Get("/{productId}/public", keysHandler.GetPublicKey)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", approvalsHandler.List)
				r.Route("/{kind}", func(r chi.Router) {
					r.Post("/submit", approvalsHandler.Submit)
					r.Post("/approve", approvalsHandler.Approve)
					r.Post("/reject", approvalsHandler.Reject)
					r.Get("/{entityId}", approvalsHandler.Get)
				})
			})
		})
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.deps.Config.Config.Host, fmt.Sprintf("%d", s.deps.Config.Config.Port))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting API server")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func normalizeBasePath(baseURL string) string {
	if baseURL == "" || baseURL == "/" {
		return "/"
	}
	base := "/" + strings.Trim(baseURL, "/") + "/"
	return base
}
