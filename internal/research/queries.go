package research

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed queries.yaml
var queryRegistryYAML []byte

// Query is one pre-templated research query.
type Query struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Render substitutes the business offering and location into the template.
func (q Query) Render(offering, location string) string {
	s := strings.ReplaceAll(q.Prompt, "{{offering}}", offering)
	s = strings.ReplaceAll(s, "{{location}}", location)
	return strings.TrimSpace(s)
}

type queryRegistry struct {
	Queries []Query `yaml:"queries"`
}

// LoadQueries parses the embedded query registry. The registry is fixed at
// build time; every audit issues the same query set in the same order.
func LoadQueries() ([]Query, error) {
	var reg queryRegistry
	if err := yaml.Unmarshal(queryRegistryYAML, &reg); err != nil {
		return nil, eris.Wrap(err, "research: parse query registry")
	}
	if len(reg.Queries) == 0 {
		return nil, eris.New("research: query registry is empty")
	}
	for _, q := range reg.Queries {
		if q.Name == "" || q.Prompt == "" {
			return nil, eris.Errorf("research: query registry entry missing name or prompt")
		}
	}
	return reg.Queries, nil
}
