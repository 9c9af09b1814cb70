package arweave

import (
	"crypto/sha512"
	"strconv"
)

// The network derives signature payloads with a tagged SHA-384 construction
// ("deep hash"): blobs hash as sha384(sha384(tag) || sha384(data)) and lists
// fold their children's digests into a chained accumulator. Composing from
// child digests means nested structures never need to be materialized.

func deepHashBlob(data []byte) []byte {
	tag := append([]byte("blob"), []byte(strconv.Itoa(len(data)))...)
	tagHash := sha512.Sum384(tag)
	dataHash := sha512.Sum384(data)
	acc := sha512.Sum384(append(tagHash[:], dataHash[:]...))
	return acc[:]
}

// deepHashList folds already-reduced child digests. A child that is itself
// a list contributes its deepHashList digest.
func deepHashList(children ...[]byte) []byte {
	tag := append([]byte("list"), []byte(strconv.Itoa(len(children)))...)
	acc := sha512.Sum384(tag)
	cur := acc[:]
	for _, child := range children {
		next := sha512.Sum384(append(append([]byte{}, cur...), child...))
		cur = next[:]
	}
	return cur
}
