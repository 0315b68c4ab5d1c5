package achievement

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// catalogFile is the on-disk layout of a catalog override:
//
//	achievements:
//	  - id: racha_7
//	    category: streak
//	    requirement: 7
//	    xp_reward: 200
type catalogFile struct {
	Replace      bool         `yaml:"replace"`
	Achievements []Definition `yaml:"achievements"`
}

// ParseCatalogYAML applies a YAML override document to base. With
// `replace: true` the document's list becomes the whole catalog; otherwise
// entries are merged by id.
func ParseCatalogYAML(base *Catalog, data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, shared.WrapError("achievement", "ParseCatalogYAML", shared.ErrMalformedData, "decode catalog", err)
	}

	for i := range file.Achievements {
		cat, err := ParseCategory(string(file.Achievements[i].Category))
		if err != nil {
			return nil, fmt.Errorf("achievement %d: %w", i, err)
		}
		file.Achievements[i].Category = cat
	}

	if file.Replace || base == nil {
		return NewCatalog(file.Achievements)
	}
	return base.Merge(file.Achievements)
}

// LoadCatalogFile reads an override file. An empty path returns base.
func LoadCatalogFile(base *Catalog, path string) (*Catalog, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalogYAML(base, data)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}
