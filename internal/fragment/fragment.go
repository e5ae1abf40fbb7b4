// Package fragment splits frames exceeding a transport's MTU into
// ordered chunks and reassembles them on the far side with bounded
// memory (spec §4.2).
package fragment

import (
	"crypto/rand"
	"encoding/binary"
)

// Prefix is the one-byte transport-payload discriminator that precedes
// every fragment variant.
type Prefix byte

const (
	PrefixComplete Prefix = 0x00
	PrefixHeader   Prefix = 0x01
	PrefixData     Prefix = 0x02
)

const (
	batchIDSize = 8
	// HeaderOverhead is the byte cost of a fragment-header payload
	// (prefix + batchId + count + totalSize).
	HeaderOverhead = 1 + batchIDSize + 4 + 4
	// DataOverhead is the per-fragment byte cost of a fragment-data
	// payload (prefix + batchId + index).
	DataOverhead = 1 + batchIDSize + 4
)

// BatchID identifies one fragmentation run. Eight random bytes.
type BatchID [batchIDSize]byte

func newBatchID() (BatchID, error) {
	var id BatchID
	_, err := rand.Read(id[:])
	return id, err
}

// Fragment splits payload into one or more transport payloads (each
// already carrying its Prefix byte) such that no data chunk exceeds
// threshold; each transport payload adds its prefix and, for fragments,
// the HeaderOverhead/DataOverhead bytes on top of its chunk.
// Payloads of length <= threshold are returned as a single
// PrefixComplete payload, unfragmented. Otherwise the first returned
// payload is the PrefixHeader, followed by ceil(len(payload)/threshold)
// PrefixData payloads in index order.
func Fragment(payload []byte, threshold int) ([][]byte, error) {
	if threshold <= 0 {
		threshold = len(payload)
		if threshold == 0 {
			threshold = 1
		}
	}
	if len(payload) <= threshold {
		out := make([]byte, 1+len(payload))
		out[0] = byte(PrefixComplete)
		copy(out[1:], payload)
		return [][]byte{out}, nil
	}

	batchID, err := newBatchID()
	if err != nil {
		return nil, err
	}

	count := (len(payload) + threshold - 1) / threshold
	out := make([][]byte, 0, count+1)

	header := make([]byte, HeaderOverhead)
	header[0] = byte(PrefixHeader)
	copy(header[1:1+batchIDSize], batchID[:])
	binary.BigEndian.PutUint32(header[1+batchIDSize:5+batchIDSize], uint32(count))
	binary.BigEndian.PutUint32(header[5+batchIDSize:], uint32(len(payload)))
	out = append(out, header)

	for i := 0; i < count; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		data := make([]byte, DataOverhead+len(chunk))
		data[0] = byte(PrefixData)
		copy(data[1:1+batchIDSize], batchID[:])
		binary.BigEndian.PutUint32(data[1+batchIDSize:5+batchIDSize], uint32(i))
		copy(data[5+batchIDSize:], chunk)
		out = append(out, data)
	}
	return out, nil
}
