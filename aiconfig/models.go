package aiconfig

import (
	"context"
	"strings"
)

// DiscoveredModel is a model reported by a local inference server.
type DiscoveredModel struct {
	Name     string
	Family   string
	Families []string
}

// ModelLister enumerates the models a local inference server currently serves.
type ModelLister interface {
	ListModels(ctx context.Context, apiBase string) ([]DiscoveredModel, error)
}

var (
	visualFamilies = []string{"clip", "vision"}
	visualNames    = []string{"llava", "vision", "moondream", "bakllava"}
	soundMarkers   = []string{"music", "sound", "audio", "voice", "llamusic"}
)

// DetectCapabilities infers the capability mask of a discovered model from
// its name and family metadata. Every model is assumed to handle text.
func DetectCapabilities(m DiscoveredModel) Capability {
	c := CapabilityText
	name := strings.ToLower(m.Name)
	family := strings.ToLower(m.Family)
	families := make([]string, len(m.Families))
	for i, f := range m.Families {
		families[i] = strings.ToLower(f)
	}

	if containsAny(name, visualNames) || anyEquals(families, visualFamilies) {
		c |= CapabilityVisual
	}
	if containsAny(name, soundMarkers) || containsAny(family, soundMarkers) || anyContains(families, soundMarkers) {
		c |= CapabilitySound
	}
	return c
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func anyEquals(values, targets []string) bool {
	for _, v := range values {
		for _, t := range targets {
			if v == t {
				return true
			}
		}
	}
	return false
}

func anyContains(values, subs []string) bool {
	for _, v := range values {
		if containsAny(v, subs) {
			return true
		}
	}
	return false
}
