package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const defaultHeader = `# Memory Bridge configuration.
# Any key can be overridden from the environment: MB_<SECTION>_<FIELD>,
# e.g. MB_DATABASE_PASSWORD or MB_CAPTURE_API_KEY.
`

// DefaultYAML renders the default configuration as a commented YAML document.
func DefaultYAML() ([]byte, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("config: render defaults: %w", err)
	}
	return append([]byte(defaultHeader), data...), nil
}
