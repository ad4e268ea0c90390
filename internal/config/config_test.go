package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Service:  ServiceConfig{Name: "payment-service", MasterSecret: "master"},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Name: "payment", User: "payment", Password: "pw"},
		JWT:      JWTConfig{Secret: "jwt-secret"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing master secret", func(c *Config) { c.Service.MasterSecret = "" }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing jwt secret", func(c *Config) { c.JWT.Secret = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := validConfig().Database
	assert.Equal(t,
		"host=localhost port=5432 user=payment password=pw dbname=payment sslmode=disable",
		cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}
