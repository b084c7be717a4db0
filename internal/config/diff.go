package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	ToolsAdded   []string
	ToolsRemoved []string
	ToolsChanged []string

	DefaultsChanged bool
	NewDefaults     DefaultsConfig

	EngineChanged bool
	NewEngine     EngineConfig

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.ToolsAdded) > 0 ||
		len(d.ToolsRemoved) > 0 ||
		len(d.ToolsChanged) > 0 ||
		d.DefaultsChanged ||
		d.EngineChanged ||
		d.SchedulerChanged
}

// ToolsDiffer reports whether the tool set needs a rebuild.
func (d *ConfigDiff) ToolsDiffer() bool {
	return len(d.ToolsAdded) > 0 || len(d.ToolsRemoved) > 0 || len(d.ToolsChanged) > 0
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Tools {
		if _, ok := old.Tools[name]; !ok {
			d.ToolsAdded = append(d.ToolsAdded, name)
		}
	}
	for name := range old.Tools {
		if _, ok := new.Tools[name]; !ok {
			d.ToolsRemoved = append(d.ToolsRemoved, name)
		}
	}
	for name, newDef := range new.Tools {
		if oldDef, ok := old.Tools[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.ToolsChanged = append(d.ToolsChanged, name)
			}
		}
	}
	slices.Sort(d.ToolsAdded)
	slices.Sort(d.ToolsRemoved)
	slices.Sort(d.ToolsChanged)

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	if old.Web.Port != new.Web.Port || old.Web.Enabled != new.Web.Enabled {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
