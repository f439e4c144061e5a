package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: agents, pipeline
// tuning and the log level. Provider, history and server changes need a
// restart.
type ConfigDiff struct {
	AgentsChanged   bool        // true if any agent was added, removed or edited
	AgentChanges    []AgentDiff // per-agent diffs
	PipelineChanged bool
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID             string
	PromptChanged  bool
	GreetingChange bool
	VoiceChanged   bool
	NumbersChanged bool
	Added          bool
	Removed        bool
}

// Changed reports whether anything in d needs applying.
func (d ConfigDiff) Changed() bool {
	return d.AgentsChanged || d.PipelineChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Pipeline, new.Pipeline) {
		d.PipelineChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for id, oldAgent := range oldAgents {
		newAgent, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(id, oldAgent, newAgent)
		if ad.PromptChanged || ad.GreetingChange || ad.VoiceChanged || ad.NumbersChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
			d.AgentsChanged = true
		}
	}

	return d
}

// diffAgent compares two agent configs with the same id.
func diffAgent(id string, old, new *AgentConfig) AgentDiff {
	return AgentDiff{
		ID:             id,
		PromptChanged:  old.SystemPrompt != new.SystemPrompt,
		GreetingChange: old.Greeting != new.Greeting,
		VoiceChanged:   old.Voice != new.Voice || old.Language != new.Language,
		NumbersChanged: !slices.Equal(old.PhoneNumbers, new.PhoneNumbers),
	}
}
