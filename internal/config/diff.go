package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	NodesAdded   []NodeEntry
	NodesRemoved []string
	NodesChanged []NodeEntry

	SwarmTimingChanged bool
	NewSwarm           SwarmConfig

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		len(d.NodesAdded) > 0 ||
		len(d.NodesRemoved) > 0 ||
		len(d.NodesChanged) > 0 ||
		d.SwarmTimingChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed. Name lists are sorted.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	// Agent diffs
	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}
	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)

	// Static node set, in the order of the new config
	oldNodes := make(map[string]NodeEntry, len(old.Swarm.Nodes))
	for _, n := range old.Swarm.Nodes {
		oldNodes[n.ID] = n
	}
	newIDs := make(map[string]bool, len(new.Swarm.Nodes))
	for _, n := range new.Swarm.Nodes {
		newIDs[n.ID] = true
		prev, ok := oldNodes[n.ID]
		switch {
		case !ok:
			d.NodesAdded = append(d.NodesAdded, n)
		case !reflect.DeepEqual(prev, n):
			d.NodesChanged = append(d.NodesChanged, n)
		}
	}
	for _, n := range old.Swarm.Nodes {
		if !newIDs[n.ID] {
			d.NodesRemoved = append(d.NodesRemoved, n.ID)
		}
	}

	// Swarm timing and retry policy
	oldSwarm, newSwarm := old.Swarm, new.Swarm
	oldSwarm.Nodes, newSwarm.Nodes = nil, nil
	if !reflect.DeepEqual(oldSwarm, newSwarm) {
		d.SwarmTimingChanged = true
		d.NewSwarm = newSwarm
	}

	// Scheduler
	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	// Non-reloadable warnings
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
