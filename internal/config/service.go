package config

import "time"

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	// MasterSecret derives the key that encrypts provider credentials at
	// rest. Rotating it invalidates every stored secret.
	MasterSecret string `yaml:"master_secret" validate:"required"`
}

type EventsConfig struct {
	// RabbitURL is the AMQP connection string. When empty the service
	// falls back to the in-process publisher.
	RabbitURL string `yaml:"rabbit_url"`
	Exchange  string `yaml:"exchange"`
}

type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// TolerancePercent is the allowed deviation between the expected
	// perturbed amount and the observed on-chain transfer.
	TolerancePercent float64 `yaml:"tolerance_percent"`
}

// PollIntervalOrDefault returns the configured interval or one minute.
func (c *MonitorConfig) PollIntervalOrDefault() time.Duration {
	if c.PollInterval <= 0 {
		return time.Minute
	}
	return c.PollInterval
}

// ToleranceOrDefault returns the configured tolerance or 0.01 percent.
func (c *MonitorConfig) ToleranceOrDefault() float64 {
	if c.TolerancePercent <= 0 {
		return 0.01
	}
	return c.TolerancePercent
}
