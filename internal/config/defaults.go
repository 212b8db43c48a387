package config

import (
	"strings"
	"time"
)

const (
	DefaultPagesDir          = "./pages"
	DefaultBuildID           = "development"
	DefaultMaxInactiveAge    = 60 * time.Second
	DefaultPagesBufferLength = 2
	DefaultSweepInterval     = 5 * time.Second
	DefaultPingInterval      = 5 * time.Second
	DefaultKeepAlivePath     = "/_ondemand/keepalive"
	DefaultAddr              = "127.0.0.1:3000"
	DefaultMetricsPath       = "/metrics"
	DefaultHealthPath        = "/healthz"
)

// DefaultPageExtensions lists the page source extensions tried in order.
func DefaultPageExtensions() []string { return []string{"md", "html"} }

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Leading dots on extensions are stripped.
func (c *Config) ApplyDefaults() {
	if c.PagesDir == "" {
		c.PagesDir = DefaultPagesDir
	}
	if len(c.PageExtensions) == 0 {
		c.PageExtensions = DefaultPageExtensions()
	}
	for i, ext := range c.PageExtensions {
		c.PageExtensions[i] = strings.TrimPrefix(ext, ".")
	}
	if c.BuildID == "" {
		c.BuildID = DefaultBuildID
	}

	od := &c.OnDemand
	if od.MaxInactiveAge == 0 {
		od.MaxInactiveAge = Duration(DefaultMaxInactiveAge)
	}
	if od.PagesBufferLength == 0 {
		od.PagesBufferLength = DefaultPagesBufferLength
	}
	if od.SweepInterval == 0 {
		od.SweepInterval = Duration(DefaultSweepInterval)
	}
	if od.PingInterval == 0 {
		od.PingInterval = Duration(DefaultPingInterval)
	}
	if od.KeepAlivePath == "" {
		od.KeepAlivePath = DefaultKeepAlivePath
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = DefaultMetricsPath
	}
	if c.HTTP.HealthPath == "" {
		c.HTTP.HealthPath = DefaultHealthPath
	}
}
