package config

// SectionConfig is the configuration lifecycle every config section follows.
type SectionConfig interface {
	// ApplyDefaults fills zero values with defaults
	ApplyDefaults()

	// ApplyEnvOverrides applies environment variable overrides
	ApplyEnvOverrides()

	// ResolvePaths resolves relative paths against the config directory
	ResolvePaths(configDir string)

	// Validate returns an error if the section is invalid
	Validate() error
}

// ApplySectionConfigs runs ApplyDefaults, ApplyEnvOverrides, ResolvePaths and
// Validate on each section in order, stopping at the first invalid one.
func ApplySectionConfigs(configDir string, sections ...SectionConfig) error {
	for _, s := range sections {
		s.ApplyDefaults()
		s.ApplyEnvOverrides()
		s.ResolvePaths(configDir)
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
