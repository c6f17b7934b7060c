package config

// ModelsConfig maps requested model names to an ordered provider chain.
type ModelsConfig struct {
	Models map[string]ModelMapping `yaml:"models"`
	// Default is used for models that are not listed.
	Default *ModelMapping `yaml:"default"`
}

type ModelMapping struct {
	DisplayName string          `yaml:"display_name"`
	Primary     ProviderRoute   `yaml:"primary"`
	Fallback    []ProviderRoute `yaml:"fallback"`
}

type ProviderRoute struct {
	Provider string `yaml:"provider"`
	// Model is the provider-side model name; empty forwards the requested name.
	Model string `yaml:"model,omitempty"`
}

// Lookup returns the mapping for model, falling back to Default.
func (m *ModelsConfig) Lookup(model string) (ModelMapping, bool) {
	if m == nil {
		return ModelMapping{}, false
	}
	if mapping, ok := m.Models[model]; ok {
		return mapping, true
	}
	if m.Default != nil {
		return *m.Default, true
	}
	return ModelMapping{}, false
}

// Routes returns primary followed by fallbacks.
func (mm ModelMapping) Routes() []ProviderRoute {
	routes := make([]ProviderRoute, 0, 1+len(mm.Fallback))
	if mm.Primary.Provider != "" {
		routes = append(routes, mm.Primary)
	}
	return append(routes, mm.Fallback...)
}
