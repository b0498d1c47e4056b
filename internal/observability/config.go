package observability

import (
	"github.com/smallbiznis/gymledger/internal/config"
)

// Config is the telemetry view of the application config shared by the
// logger, tracer and metric exporters.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	ExportEnabled  bool
	ExportEndpoint string
	ExportProtocol string
	SamplingRatio  float64

	debug bool
}

func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry
	format := "json"
	if t.LogFormat == "console" {
		format = "console"
	}
	ratio := t.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}
	name := cfg.AppName
	if name == "" {
		name = "gymledger"
	}
	return Config{
		ServiceName:    name,
		Environment:    cfg.Environment,
		Version:        cfg.AppVersion,
		LogLevel:       t.LogLevel,
		LogFormat:      format,
		ExportEnabled:  t.OTLPEnabled && t.OTLPEndpoint != "",
		ExportEndpoint: t.OTLPEndpoint,
		ExportProtocol: t.OTLPProtocol,
		SamplingRatio:  ratio,
		debug:          t.LogLevel == "debug" || cfg.IsDevelopment(),
	}
}

// Debug turns on verbose request logging and stack traces.
func (c Config) Debug() bool {
	return c.debug
}
