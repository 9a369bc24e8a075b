package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"maggma.dev/registry"
)

// descriptorFile is the on-disk shape of one builder-description file: a
// single builder under "builder", or several under "builders".
type descriptorFile struct {
	Builder  *registry.BuilderDescriptor  `yaml:"builder"`
	Builders []registry.BuilderDescriptor `yaml:"builders"`
}

func loadDescriptors(path string) ([]registry.BuilderDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f descriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var out []registry.BuilderDescriptor
	if f.Builder != nil {
		out = append(out, *f.Builder)
	}
	out = append(out, f.Builders...)

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no builder or builders defined", path)
	}
	return out, nil
}
