/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics counts requests per operation on a private registry, exposed
// through the metrics RPC in text exposition format.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

// NewMetrics returns the metrics set for node id.
func NewMetrics(id uint64) *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "bayard",
			Name:        "requests_total",
			Help:        "The number of requests.",
			ConstLabels: prometheus.Labels{"id": strconv.FormatUint(id, 10)},
		},
		[]string{"func"},
	)
	registry.MustRegister(requests)
	return &Metrics{registry: registry, requests: requests}
}

// IncRequestCount counts one request for the named operation.
func (m *Metrics) IncRequestCount(name string) {
	m.requests.WithLabelValues(name).Inc()
}

// Gather renders all metric families as text.
func (m *Metrics) Gather() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", errors.Wrap(err, "gather metrics")
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", errors.Wrap(err, "encode metrics")
		}
	}
	return buf.String(), nil
}
