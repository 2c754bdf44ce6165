package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// descriptorFile is the well-known filename read from each plugin
// directory: a JSON object mapping plugin name -> {enabled, config}.
const descriptorFile = "plugins.json"

type descriptorEntry struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Enablement is the resolved set of plugins a Host should load, plus each
// one's configuration block.
type Enablement struct {
	Names   []string
	Configs map[string]json.RawMessage
}

// DiscoverEnabled reads plugins.json from userDir and projectDir (either
// may not exist — that's not an error, just "nothing declared there") and
// merges them, project entries overriding user entries of the same name,
// per spec.md §4.5's "project overrides user" discovery precedence.
func DiscoverEnabled(userDir, projectDir string) (Enablement, error) {
	merged := map[string]descriptorEntry{}

	if err := mergeDescriptor(userDir, merged); err != nil {
		return Enablement{}, err
	}
	if err := mergeDescriptor(projectDir, merged); err != nil {
		return Enablement{}, err
	}

	out := Enablement{Configs: map[string]json.RawMessage{}}
	for name, entry := range merged {
		if !entry.Enabled {
			continue
		}
		out.Names = append(out.Names, name)
		if entry.Config != nil {
			out.Configs[name] = entry.Config
		}
	}
	return out, nil
}

func mergeDescriptor(dir string, merged map[string]descriptorEntry) error {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, descriptorFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var parsed map[string]descriptorEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	for name, entry := range parsed {
		merged[name] = entry
	}
	return nil
}
