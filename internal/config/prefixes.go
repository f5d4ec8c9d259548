package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

const defaultPrefix = "A"

// Prefixes maps departments and divisions to token number prefixes:
//
//	default: A
//	departments:
//	  "1":
//	    prefix: B
//	    divisions:
//	      "2": C
type Prefixes struct {
	Default     string                        `yaml:"default"`
	Departments map[string]DepartmentPrefixes `yaml:"departments"`
}

type DepartmentPrefixes struct {
	Prefix    string            `yaml:"prefix"`
	Divisions map[string]string `yaml:"divisions"`
}

// LoadPrefixes reads a prefix file. An empty path yields the default prefix
// for every scope.
func LoadPrefixes(path string) (Prefixes, error) {
	if path == "" {
		return Prefixes{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Prefixes{}, errors.Wrap(err, "failed to read prefix config")
	}
	var p Prefixes
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prefixes{}, errors.Wrap(err, "failed to unmarshal prefix config")
	}
	return p, nil
}

// Prefix resolves the division entry first, then the department, then the
// file default.
func (p Prefixes) Prefix(departmentID, divisionID string) string {
	if dept, ok := p.Departments[departmentID]; ok {
		if prefix := clean(dept.Divisions[divisionID]); prefix != "" {
			return prefix
		}
		if prefix := clean(dept.Prefix); prefix != "" {
			return prefix
		}
	}
	if prefix := clean(p.Default); prefix != "" {
		return prefix
	}
	return defaultPrefix
}

func clean(prefix string) string {
	return strings.ToUpper(strings.TrimSpace(prefix))
}
