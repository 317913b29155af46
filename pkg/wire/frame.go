package wire

import (
	"encoding/binary"
	"fmt"
)

// Streaming messages carry a varint header before the serialized envelope.
// The agent always writes header zero. Servers that sequence their pushes put
// the stream sequence number in the header; zero means unsequenced.

const maxHeaderLen = binary.MaxVarintLen64

func EncodeFrame(header uint64, payload []byte) []byte {
	buf := make([]byte, 0, maxHeaderLen+len(payload))
	buf = binary.AppendUvarint(buf, header)
	return append(buf, payload...)
}

func DecodeFrame(data []byte) (header uint64, payload []byte, err error) {
	header, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: bad frame header", ErrMalformed)
	}
	return header, data[n:], nil
}
