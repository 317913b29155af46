package wire

import (
	"encoding/hex"

	"github.com/open-telemetry/opamp-go/protobufs"
)

func KeyVal(key, val string) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key: key,
		Value: &protobufs.AnyValue{
			Value: &protobufs.AnyValue_StringValue{StringValue: val},
		},
	}
}

func KeyValInt(key string, val int64) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key: key,
		Value: &protobufs.AnyValue{
			Value: &protobufs.AnyValue_IntValue{IntValue: val},
		},
	}
}

// HashString renders a config or offer hash for log lines.
func HashString(h []byte) string {
	if len(h) == 0 {
		return ""
	}
	return hex.EncodeToString(h)
}
