// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
)

// LicenseCollector exposes product key counts per lifecycle state. Counts
// are read from the database on each scrape.
type LicenseCollector struct {
	productKeys *models.ProductKeyStore

	productKeysDesc *prometheus.Desc
}

func NewLicenseCollector(productKeys *models.ProductKeyStore) *LicenseCollector {
	return &LicenseCollector{
		productKeys: productKeys,

		productKeysDesc: prometheus.NewDesc(
			"licensrv_product_keys",
			"Number of product keys by lifecycle status",
			[]string{"status"},
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.productKeysDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.productKeys == nil {
		log.Debug().Msg("Product key store is nil, skipping metrics collection")
		return
	}

	counts, err := c.productKeys.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count product keys for metrics")
		return
	}

	for _, status := range []string{
		models.ProductKeyStatusPending,
		models.ProductKeyStatusActive,
		models.ProductKeyStatusExpired,
		models.ProductKeyStatusRevoked,
		models.ProductKeyStatusInactive,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.productKeysDesc,
			prometheus.GaugeValue,
			float64(counts[status]),
			status,
		)
	}
}
