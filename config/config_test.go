// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.WSAddr != ":8090" {
		t.Errorf("expected default WS addr :8090, got %s", cfg.Server.WSAddr)
	}
	if cfg.Protocol.AckTimeout != 5*time.Second {
		t.Errorf("expected ack timeout 5s, got %v", cfg.Protocol.AckTimeout)
	}
	if cfg.Protocol.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Protocol.MaxRetries)
	}
	if cfg.Protocol.HeartbeatInterval != 45*time.Second {
		t.Errorf("expected heartbeat interval 45s, got %v", cfg.Protocol.HeartbeatInterval)
	}
	if cfg.Protocol.ConnectionTimeout != 120*time.Second {
		t.Errorf("expected connection timeout 120s, got %v", cfg.Protocol.ConnectionTimeout)
	}
	if cfg.Session.MaxSessions != 10000 {
		t.Errorf("expected max sessions 10000, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no listeners configured",
			modify: func(c *Config) {
				c.Server.WSEnabled = false
				c.Server.DTLSEnabled = false
			},
			wantErr: true,
		},
		{
			name: "TLS without cert",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
			},
			wantErr: true,
		},
		{
			name: "client auth without CA",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSCertFile = "cert.pem"
				c.Server.TLSKeyFile = "key.pem"
				c.Server.TLSClientAuth = "require"
			},
			wantErr: true,
		},
		{
			name: "DTLS only",
			modify: func(c *Config) {
				c.Server.WSEnabled = false
				c.Server.DTLSEnabled = true
			},
			wantErr: false,
		},
		{
			name: "DTLS MTU too small",
			modify: func(c *Config) {
				c.Server.DTLSEnabled = true
				c.Server.DTLSMTU = 100
			},
			wantErr: true,
		},
		{
			name: "chunk size above payload limit",
			modify: func(c *Config) {
				c.Protocol.ChunkSize = c.Protocol.MaxPayload
			},
			wantErr: true,
		},
		{
			name: "connection timeout below heartbeat",
			modify: func(c *Config) {
				c.Protocol.ConnectionTimeout = 30 * time.Second
			},
			wantErr: true,
		},
		{
			name: "retry max below base",
			modify: func(c *Config) {
				c.Protocol.RetryMaxDelay = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "negative retries",
			modify: func(c *Config) {
				c.Protocol.MaxRetries = -1
			},
			wantErr: true,
		},
		{
			name: "zero retries allowed",
			modify: func(c *Config) {
				c.Protocol.MaxRetries = 0
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "bad sample rate",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Server.WSAddr != ":8090" {
		t.Errorf("expected default config, got WS addr %s", cfg.Server.WSAddr)
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte("protocol:\n  ack_timeout: 2s\n  max_retries: 5\nlog:\n  level: debug\n")
	if err := os.WriteFile(tmpfile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Protocol.AckTimeout != 2*time.Second {
		t.Errorf("expected ack timeout 2s, got %v", cfg.Protocol.AckTimeout)
	}
	if cfg.Protocol.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Protocol.MaxRetries)
	}
	if cfg.Protocol.ChunkSize != 45000 {
		t.Errorf("expected default chunk size to survive, got %d", cfg.Protocol.ChunkSize)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Fatal("Load() expected validation error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.WSAddr = ":9000"
	cfg.Protocol.RetryBaseDelay = 2 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.WSAddr != ":9000" {
		t.Errorf("expected WS addr :9000, got %s", loaded.Server.WSAddr)
	}
	if loaded.Protocol.RetryBaseDelay != 2*time.Second {
		t.Errorf("expected retry base delay 2s, got %v", loaded.Protocol.RetryBaseDelay)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
