package normalize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSynonyms reads a YAML mapping of alias to canonical form:
//
//	DS: data structures
//	algos: algorithms
//
// An empty path yields an empty table.
func LoadSynonyms(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read synonyms file: %w", err)
	}

	table := make(map[string]string)
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse synonyms file %s: %w", path, err)
	}
	return table, nil
}
