package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/chazu/strata/pkg/ast"
)

// Digest is the SHA-256 content hash of a typed AST.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// Serialize produces the deterministic byte serialization of root that
// HashNode hashes.
func Serialize(root ast.Node) []byte {
	n := &normalizer{s: serializer{buf: make([]byte, 0, 256)}}
	n.s.writeByte(HashVersion)
	n.node(root)
	return n.s.buf
}

// HashNode computes the content hash of root.
//
// The hash covers a deterministic serialization of the tree with de Bruijn
// indexing for local variables. Two trees that differ only in local names,
// node IDs, source positions or analysis metadata produce the same hash.
// Module-level variable and function names are part of the hash.
func HashNode(root ast.Node) Digest {
	return sha256.Sum256(Serialize(root))
}
