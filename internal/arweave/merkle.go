package arweave

import (
	"crypto/sha256"
	"encoding/binary"
)

// Transactions commit to their payload through a merkle tree over 256 KiB
// chunks. Only the root enters the signature payload; chunk proofs are the
// gateway's concern once the transaction is accepted.

const (
	maxChunkSize = 256 * 1024
	minChunkSize = 32 * 1024
	noteSize     = 32
)

type chunk struct {
	dataHash     [32]byte
	maxByteRange int
}

type merkleNode struct {
	id           [32]byte
	maxByteRange int
}

// dataRoot computes the merkle root committing to data. Zero-length data
// yields a zero root, matching how empty transactions are signed.
func dataRoot(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, 32)
	}
	chunks := splitChunks(data)
	leaves := make([]merkleNode, len(chunks))
	for i, c := range chunks {
		leaves[i] = leafNode(c)
	}
	root := buildLayers(leaves)
	return root.id[:]
}

// splitChunks cuts data into maxChunkSize pieces. When the tail would fall
// under minChunkSize the final two chunks are rebalanced to roughly equal
// halves, matching the reference chunker so roots agree across producers.
func splitChunks(data []byte) []chunk {
	var chunks []chunk
	rest := data
	cursor := 0

	for len(rest) >= maxChunkSize {
		size := maxChunkSize
		if tail := len(rest) - maxChunkSize; tail > 0 && tail < minChunkSize {
			size = (len(rest) + 1) / 2
		}
		sum := sha256.Sum256(rest[:size])
		cursor += size
		chunks = append(chunks, chunk{dataHash: sum, maxByteRange: cursor})
		rest = rest[size:]
	}

	sum := sha256.Sum256(rest)
	chunks = append(chunks, chunk{dataHash: sum, maxByteRange: cursor + len(rest)})
	return chunks
}

func leafNode(c chunk) merkleNode {
	h := sha256.Sum256(c.dataHash[:])
	n := sha256.Sum256(note(c.maxByteRange))
	id := sha256.Sum256(append(h[:], n[:]...))
	return merkleNode{id: id, maxByteRange: c.maxByteRange}
}

func buildLayers(nodes []merkleNode) merkleNode {
	for len(nodes) > 1 {
		next := make([]merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				break
			}
			next = append(next, branchNode(nodes[i], nodes[i+1]))
		}
		nodes = next
	}
	return nodes[0]
}

func branchNode(left, right merkleNode) merkleNode {
	lh := sha256.Sum256(left.id[:])
	rh := sha256.Sum256(right.id[:])
	nh := sha256.Sum256(note(left.maxByteRange))

	buf := make([]byte, 0, 96)
	buf = append(buf, lh[:]...)
	buf = append(buf, rh[:]...)
	buf = append(buf, nh[:]...)
	return merkleNode{id: sha256.Sum256(buf), maxByteRange: right.maxByteRange}
}

// note encodes a byte offset as a 32-byte big-endian integer.
func note(v int) []byte {
	b := make([]byte, noteSize)
	binary.BigEndian.PutUint64(b[noteSize-8:], uint64(v))
	return b
}
