package util

import (
	"crypto/sha256"
	"slices"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/samber/lo"
)

// HashAgentConfigMap derives a stable revision hash from a config map. Only
// sorted file names and bodies go into the hash, content type metadata and
// map iteration order do not affect it.
func HashAgentConfigMap(configMap *protobufs.AgentConfigMap) []byte {
	files := configMap.GetConfigMap()
	if len(files) == 0 {
		return []byte{}
	}

	names := lo.Keys(files)
	slices.Sort(names)

	h := sha256.New()
	for _, name := range names {
		file := files[name]
		if file == nil {
			continue
		}
		h.Write([]byte(name))
		h.Write(file.GetBody())
	}
	return h.Sum(nil)
}
