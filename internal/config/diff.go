package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultInstructionsChanged and StaticPromptsChanged are applied to the
	// running prompt resolver.
	DefaultInstructionsChanged bool
	StaticPromptsChanged       bool
	StaticAdded                []string
	StaticRemoved              []string
	StaticModified             []string

	// BridgeChanged means calls that start from now on use new tunables.
	BridgeChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, by YAML path.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DefaultInstructionsChanged && !d.StaticPromptsChanged &&
		!d.BridgeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Prompts.DefaultInstructions != new.Prompts.DefaultInstructions {
		d.DefaultInstructionsChanged = true
	}
	for key, text := range new.Prompts.Static {
		prev, ok := old.Prompts.Static[key]
		switch {
		case !ok:
			d.StaticAdded = append(d.StaticAdded, key)
		case prev != text:
			d.StaticModified = append(d.StaticModified, key)
		}
	}
	for key := range old.Prompts.Static {
		if _, ok := new.Prompts.Static[key]; !ok {
			d.StaticRemoved = append(d.StaticRemoved, key)
		}
	}
	slices.Sort(d.StaticAdded)
	slices.Sort(d.StaticRemoved)
	slices.Sort(d.StaticModified)
	d.StaticPromptsChanged = len(d.StaticAdded)+len(d.StaticRemoved)+len(d.StaticModified) > 0

	d.BridgeChanged = !bridgeEqual(old.Bridge, new.Bridge) ||
		old.Realtime.Voice != new.Realtime.Voice ||
		old.Realtime.Temperature != new.Realtime.Temperature ||
		old.Realtime.TranscriptionModel != new.Realtime.TranscriptionModel

	restart := []struct {
		path    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.public_url", old.Server.PublicURL != new.Server.PublicURL},
		{"server.say", old.Server.Say != new.Server.Say},
		{"server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS)},
		{"realtime.api_key", old.Realtime.APIKey != new.Realtime.APIKey},
		{"realtime.base_url", old.Realtime.BaseURL != new.Realtime.BaseURL},
		{"realtime.model", old.Realtime.Model != new.Realtime.Model},
		{"realtime.dial_timeout", old.Realtime.DialTimeout != new.Realtime.DialTimeout},
		{"prompts.postgres_dsn", old.Prompts.PostgresDSN != new.Prompts.PostgresDSN},
		{"prompts.redis_addr", old.Prompts.RedisAddr != new.Prompts.RedisAddr},
		{"prompts.cache_ttl", old.Prompts.CacheTTL != new.Prompts.CacheTTL},
		{"prompts.lookup_timeout", old.Prompts.LookupTimeout != new.Prompts.LookupTimeout},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.path)
		}
	}
	return d
}

func bridgeEqual(a, b BridgeConfig) bool {
	return a.StartupDelay == b.StartupDelay &&
		a.MaxCallDuration == b.MaxCallDuration &&
		a.PlayoutIdle == b.PlayoutIdle &&
		a.ReplyGrace == b.ReplyGrace &&
		a.FinalizeTimeout == b.FinalizeTimeout &&
		a.SilentRequestTimeout == b.SilentRequestTimeout &&
		a.Greeting == b.Greeting &&
		a.SummaryPrompt == b.SummaryPrompt &&
		a.ActionItemsPrompt == b.ActionItemsPrompt &&
		a.BargeIn == b.BargeIn &&
		slices.Equal(a.FarewellPhrases, b.FarewellPhrases)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StaticKeys returns the sorted lookup keys of the static prompt table.
func (p PromptsConfig) StaticKeys() []string {
	return slices.Sorted(maps.Keys(p.Static))
}
