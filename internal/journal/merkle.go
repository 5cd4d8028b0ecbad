package journal

import (
	"lukechampine.com/blake3"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// TreeHead commits to the journal's event set in (lamport, hash) order.
type TreeHead struct {
	TreeSize int64
	RootHash ids.Hash
}

// InclusionProof shows that one event hash is a leaf of a tree head.
type InclusionProof struct {
	LeafIndex int64
	TreeSize  int64
	Path      []ids.Hash
}

func leafHash(h ids.Hash) ids.Hash {
	var buf [33]byte
	buf[0] = 0x00
	copy(buf[1:], h[:])
	return blake3.Sum256(buf[:])
}

func nodeHash(l, r ids.Hash) ids.Hash {
	var buf [65]byte
	buf[0] = 0x01
	copy(buf[1:], l[:])
	copy(buf[33:], r[:])
	return blake3.Sum256(buf[:])
}

// splitPoint is the largest power of two strictly less than n.
func splitPoint(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}
	return k
}

func merkleRoot(leaves []ids.Hash) ids.Hash {
	switch len(leaves) {
	case 0:
		return blake3.Sum256(nil)
	case 1:
		return leafHash(leaves[0])
	}
	k := splitPoint(len(leaves))
	return nodeHash(merkleRoot(leaves[:k]), merkleRoot(leaves[k:]))
}

func merklePath(m int, leaves []ids.Hash) []ids.Hash {
	if len(leaves) <= 1 {
		return nil
	}
	k := splitPoint(len(leaves))
	if m < k {
		return append(merklePath(m, leaves[:k]), merkleRoot(leaves[k:]))
	}
	return append(merklePath(m-k, leaves[k:]), merkleRoot(leaves[:k]))
}

// VerifyInclusion checks proof against head for leaf.
func VerifyInclusion(head TreeHead, leaf ids.Hash, proof InclusionProof) error {
	if proof.TreeSize != head.TreeSize || proof.LeafIndex < 0 || proof.LeafIndex >= proof.TreeSize {
		return errs.New(errs.KindCrypto, errs.CodeHashMismatch, "inclusion proof does not match tree head")
	}
	fn, sn := proof.LeafIndex, proof.TreeSize-1
	r := leafHash(leaf)
	for _, p := range proof.Path {
		if sn == 0 {
			return errs.New(errs.KindCrypto, errs.CodeHashMismatch, "inclusion proof too long")
		}
		if fn&1 == 1 || fn == sn {
			r = nodeHash(p, r)
			for fn&1 == 0 && fn != 0 {
				fn >>= 1
				sn >>= 1
			}
		} else {
			r = nodeHash(r, p)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 || r != head.RootHash {
		return errs.New(errs.KindCrypto, errs.CodeHashMismatch, "inclusion proof does not reach root")
	}
	return nil
}
