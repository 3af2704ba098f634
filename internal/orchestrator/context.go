package orchestrator

import "github.com/neuroops/neuroops-agent/internal/config"

// DetectionContext is what rule conditions see for one detection.
type DetectionContext struct {
	ClassName  string
	Confidence float64
	Timestamp  float64
	Zone       string
}

// ToMap converts the context into the field map rules are evaluated against.
// An empty zone becomes the default zone.
func (c DetectionContext) ToMap() map[string]any {
	zone := c.Zone
	if zone == "" {
		zone = config.DefaultZone
	}
	return map[string]any{
		"class_name": c.ClassName,
		"confidence": c.Confidence,
		"timestamp":  c.Timestamp,
		"zone":       zone,
	}
}
