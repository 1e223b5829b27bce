package engine

import (
	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

// RuleSpec is the resolved (window, threshold, severity) policy for one
// event type, translated out of config.RuleWindow into engine-native
// types.
type RuleSpec struct {
	Window    int64 // seconds; 0 for immediate rules
	Threshold int
	Severity  model.Severity
	Immediate bool
}

func buildRuleSpecs(cfg config.RulesConfig) map[model.EventType]RuleSpec {
	specs := make(map[model.EventType]RuleSpec, len(cfg.Windows))
	for name, w := range cfg.Windows {
		specs[model.EventType(name)] = RuleSpec{
			Window:    int64(w.Window.Seconds()),
			Threshold: w.Threshold,
			Severity:  model.Severity(w.Severity),
			Immediate: w.Immediate,
		}
	}
	return specs
}
