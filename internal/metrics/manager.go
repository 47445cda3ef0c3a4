// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
)

type Manager struct {
	registry         *prometheus.Registry
	licenseCollector *LicenseCollector

	ActivationsTotal  *prometheus.CounterVec
	LicensesIssued    prometheus.Counter
	SignaturesCreated prometheus.Counter
	KeyRotationsTotal prometheus.Counter
}

func NewManager(productKeys *models.ProductKeyStore) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	licenseCollector := NewLicenseCollector(productKeys)
	registry.MustRegister(licenseCollector)

	m := &Manager{
		registry:         registry,
		licenseCollector: licenseCollector,
		ActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licensrv_activations_total",
			Help: "Activation attempts by outcome",
		}, []string{"outcome"}),
		LicensesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licensrv_licenses_issued_total",
			Help: "Signed licenses issued",
		}),
		SignaturesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licensrv_signatures_created_total",
			Help: "Proof-of-activation signatures created",
		}),
		KeyRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licensrv_key_rotations_total",
			Help: "Product key pair rotations performed",
		}),
	}
	registry.MustRegister(m.ActivationsTotal, m.LicensesIssued, m.SignaturesCreated, m.KeyRotationsTotal)

	log.Info().Msg("Metrics manager initialized with license collector")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
