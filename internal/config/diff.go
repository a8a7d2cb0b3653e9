package config

import (
	"reflect"

	"github.com/MrWong99/maestro/pkg/stage"
)

// ConfigDiff describes what changed between two configs. LogLevel and
// Sampling are applied live; every other change is only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SamplingChanged bool
	NewSampling     stage.Sampling

	// RestartRequired lists the top-level sections that changed in a way
	// the running server cannot apply, e.g. "stages.generate" or "server".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SamplingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline.Sampling != new.Pipeline.Sampling {
		d.SamplingChanged = true
		d.NewSampling = new.Pipeline.Sampling
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	oldPipe, newPipe := old.Pipeline, new.Pipeline
	oldPipe.Sampling, newPipe.Sampling = stage.Sampling{}, stage.Sampling{}
	if oldPipe != newPipe {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}

	for _, n := range stage.Names {
		if !reflect.DeepEqual(old.Stages.ByName(n), new.Stages.ByName(n)) {
			d.RestartRequired = append(d.RestartRequired, "stages."+string(n))
		}
	}

	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if !reflect.DeepEqual(old.Events, new.Events) {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
