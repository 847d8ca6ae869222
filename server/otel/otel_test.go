// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/eventbridge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestProviderConfigFromServer(t *testing.T) {
	srv := config.Default().Server
	srv.OtelTracesEnabled = true

	cfg := ProviderConfigFromServer(srv, "relay-1")
	assert.Equal(t, srv.MetricsAddr, cfg.Endpoint)
	assert.Equal(t, "eventbridge", cfg.ServiceName)
	assert.Equal(t, "relay-1", cfg.InstanceID)
	assert.True(t, cfg.Traces)
	assert.True(t, cfg.Metrics)
	assert.InDelta(t, 0.1, cfg.SampleRate, 1e-9)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 2, want: "AlwaysOnSampler"},
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		assert.Contains(t, sampler(tt.rate).Description(), tt.want)
	}
}

func TestInitProviderWithoutExporters(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceName: "test"})
	require.NoError(t, err)

	_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, isNoop)
	assert.NoError(t, shutdown(context.Background()))
}
