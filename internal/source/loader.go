package source

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/market-intel/internal/model"
)

// fileEntry is the YAML shape of one catalog entry.
type fileEntry struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Category  string            `yaml:"category"`
	Tier      string            `yaml:"tier"`
	Cadence   string            `yaml:"cadence"`
	FetchKind string            `yaml:"fetch_kind"`
	Enabled   *bool             `yaml:"enabled"`
	Params    map[string]string `yaml:"params"`
}

type catalogFile struct {
	Sources []fileEntry `yaml:"sources"`
}

// Load builds a registry from a YAML catalog file. An empty path yields the
// built-in catalog.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultCatalog())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read catalog %s", path)
	}
	descs, err := Parse(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse catalog %s", path)
	}
	return NewRegistry(descs)
}

// Parse decodes a YAML catalog into descriptors without validating them.
func Parse(raw []byte) ([]model.SourceDescriptor, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "source: decode yaml")
	}

	out := make([]model.SourceDescriptor, 0, len(f.Sources))
	for i, e := range f.Sources {
		d, err := e.descriptor()
		if err != nil {
			return nil, eris.Wrapf(err, "source: entry %d", i)
		}
		out = append(out, d)
	}
	return out, nil
}

func (e fileEntry) descriptor() (model.SourceDescriptor, error) {
	cat, err := model.ParseCategory(e.Category)
	if err != nil {
		return model.SourceDescriptor{}, err
	}
	tier, err := model.ParseTier(e.Tier)
	if err != nil {
		return model.SourceDescriptor{}, err
	}

	var cadence time.Duration
	if e.Cadence != "" {
		cadence, err = time.ParseDuration(e.Cadence)
		if err != nil {
			return model.SourceDescriptor{}, eris.Wrapf(err, "cadence %q", e.Cadence)
		}
	}

	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}

	return model.SourceDescriptor{
		ID:       e.ID,
		Name:     e.Name,
		Category: cat,
		Tier:     tier,
		Cadence:  cadence,
		Kind:     model.FetchKind(e.FetchKind),
		Params:   model.Params(e.Params),
		Enabled:  enabled,
	}, nil
}
