package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ServersChanged is true when any MCP server was added, removed or
	// modified. The new list is applied with registry.ApplyConfigs.
	ServersChanged bool
	ServerChanges  []ServerDiff

	// OrchestratorChanged is true when hop limit, system prompt or
	// classifier phrases changed.
	OrchestratorChanged bool

	// RestartRequired names top-level sections that changed but cannot be
	// applied while running.
	RestartRequired []string
}

// ServerDiff describes what changed for a single MCP server.
type ServerDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build server lookup maps keyed by id.
	oldServers := make(map[string]int, len(old.MCP.Servers))
	for i, s := range old.MCP.Servers {
		oldServers[s.ID] = i
	}
	newServers := make(map[string]int, len(new.MCP.Servers))
	for i, s := range new.MCP.Servers {
		newServers[s.ID] = i
	}

	for id, oi := range oldServers {
		ni, exists := newServers[id]
		switch {
		case !exists:
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Removed: true})
		case !reflect.DeepEqual(old.MCP.Servers[oi], new.MCP.Servers[ni]):
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Modified: true})
		}
	}
	for id := range newServers {
		if _, exists := oldServers[id]; !exists {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.ServerChanges, func(a, b ServerDiff) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	d.ServersChanged = len(d.ServerChanges) > 0

	if !reflect.DeepEqual(old.Orchestrator, new.Orchestrator) {
		d.OrchestratorChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !reflect.DeepEqual(old.Registry, new.Registry) {
		d.RestartRequired = append(d.RestartRequired, "registry")
	}

	return d
}
