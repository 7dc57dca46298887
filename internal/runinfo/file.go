package runinfo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	errs "github.com/drblury/ctfreader/internal/runtime/errors"
)

type runFile struct {
	Runs []Info `yaml:"runs"`
}

// LoadFile reads a YAML document of the form
//
//	runs:
//	  - run: 505207
//	    sor: 1635322620830
//	    orbit_sor: 133875
//	    orbits_per_tf: 128
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRunInfo, err)
	}
	var doc runFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrRunInfo, path, err)
	}
	return NewStatic(doc.Runs...), nil
}
