package config

import (
	"fmt"
	"strconv"
)

// NormalizeDoc rewrites tolerated variants in the parsed document into their
// canonical shape before decoding: numeric allowedChats entries become
// strings.
func NormalizeDoc(doc map[string]any) {
	channels, ok := doc["channels"].(map[string]any)
	if !ok {
		return
	}
	for _, name := range []string{"telegram", "discord"} {
		ch, ok := channels[name].(map[string]any)
		if !ok {
			continue
		}
		raw, ok := ch["allowedChats"].([]any)
		if !ok {
			continue
		}
		for i, v := range raw {
			switch n := v.(type) {
			case float64:
				raw[i] = strconv.FormatFloat(n, 'f', -1, 64)
			case int:
				raw[i] = strconv.Itoa(n)
			case int64:
				raw[i] = strconv.FormatInt(n, 10)
			}
		}
	}
}

// Validate checks the decoded config against the schema rules. Returns a
// list of human-readable issues; empty means valid.
func Validate(cfg *Config, doc map[string]any) []string {
	var issues []string

	if port := cfg.Channels.LocalDesktop.Port; port != 0 && (port < 1 || port > 65535) {
		issues = append(issues, fmt.Sprintf("channels.localDesktop.port %d out of range [1,65535]", port))
	}

	mains := 0
	for id, spec := range cfg.Agents.List {
		if spec.Main {
			mains++
			if mains > 1 {
				issues = append(issues, fmt.Sprintf("agents.list.%s: more than one agent sets main:true", id))
			}
		}
	}

	for id, spec := range cfg.Agents.List {
		if spec.Heartbeat != nil && spec.Heartbeat.Every != "" {
			if _, err := ParseDurationString(spec.Heartbeat.Every); err != nil {
				issues = append(issues, fmt.Sprintf("agents.list.%s.heartbeat.every: %v", id, err))
			}
		}
		if out := spec.Output; out != nil && !validVisibility(out.ReasoningVisibility) {
			issues = append(issues, fmt.Sprintf("agents.list.%s.output.reasoningVisibility: invalid value %q",
				id, out.ReasoningVisibility))
		}
	}
	if hb := cfg.Agents.Defaults.Heartbeat; hb != nil && hb.Every != "" {
		if _, err := ParseDurationString(hb.Every); err != nil {
			issues = append(issues, fmt.Sprintf("agents.defaults.heartbeat.every: %v", err))
		}
	}

	if out := cfg.Agents.Defaults.Output; out != nil && !validVisibility(out.ReasoningVisibility) {
		issues = append(issues, fmt.Sprintf("agents.defaults.output.reasoningVisibility: invalid value %q",
			out.ReasoningVisibility))
	}

	return issues
}

func validVisibility(v string) bool {
	return v == "" || v == "on" || v == "off" || v == "stream"
}
