package configstore

import (
	"fmt"
	"sort"

	"github.com/open-telemetry/opamp-go/protobufs"
	"gopkg.in/yaml.v3"
)

// MergeYAML folds documents left to right. Maps merge recursively with later
// documents winning per key, everything else, lists included, is replaced
// wholesale.
func MergeYAML(docs ...[]byte) ([]byte, error) {
	merged := map[string]any{}
	for i, doc := range docs {
		if len(doc) == 0 {
			continue
		}
		var m map[string]any
		if err := yaml.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("parsing document %d: %w", i, err)
		}
		merged = mergeMaps(merged, m)
	}
	return yaml.Marshal(merged)
}

// MergeConfigMap folds a config map's YAML files in file name order, so the
// merge result does not depend on map iteration.
func MergeConfigMap(cm *protobufs.AgentConfigMap) ([]byte, error) {
	files := cm.GetConfigMap()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	docs := make([][]byte, 0, len(names))
	for _, name := range names {
		docs = append(docs, files[name].GetBody())
	}
	return MergeYAML(docs...)
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
