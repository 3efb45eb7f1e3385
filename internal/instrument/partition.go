package instrument

import (
	"errors"
	"fmt"
)

// ErrPartitionOutOfRange means the connection id points past the last
// partition, i.e. more collector processes were started than needed.
var ErrPartitionOutOfRange = errors.New("partition index out of range")

// DefaultMaxPerPartition keeps a connection at 500 channels: two channels
// (ticker + trades) per instrument.
const DefaultMaxPerPartition = 250

// Partition splits names into contiguous chunks of at most maxPerPart,
// preserving input order. Every name lands in exactly one chunk.
func Partition(names []string, maxPerPart int) [][]string {
	if maxPerPart <= 0 {
		maxPerPart = DefaultMaxPerPartition
	}
	if len(names) == 0 {
		return nil
	}
	parts := make([][]string, 0, (len(names)+maxPerPart-1)/maxPerPart)
	for start := 0; start < len(names); start += maxPerPart {
		end := start + maxPerPart
		if end > len(names) {
			end = len(names)
		}
		parts = append(parts, names[start:end])
	}
	return parts
}

// PartitionFor returns the chunk owned by the given connection id.
func PartitionFor(names []string, connID, maxPerPart int) ([]string, error) {
	parts := Partition(names, maxPerPart)
	if connID < 0 || connID >= len(parts) {
		return nil, fmt.Errorf("%w: connection %d, %d partition(s) for %d instrument(s)",
			ErrPartitionOutOfRange, connID, len(parts), len(names))
	}
	return parts[connID], nil
}
