// Package merkle builds balanced SHA-256 Merkle trees over ordered leaf
// hashes and produces/verifies inclusion proofs. It is shared by the score
// engine (per-cycle snapshot tree) and the checkpoint builder (per-period
// tree of chained cycle roots) — the two levels of tamper-evidence described
// by the coordinator's data model.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// Node is one node of a built tree, keyed by (level, position) where level 0
// is the leaf row. The score engine persists nodes as score.Node rows
// (internal/app/domain/score).
type Node struct {
	Level    int
	Position int
	Hash     []byte
	Left     *Node
	Right    *Node
}

// Tree is a fully materialized balanced Merkle tree.
type Tree struct {
	Root   *Node
	Levels [][]*Node // Levels[0] = leaves
}

// ErrEmptyLeaves is returned by Build when given no leaves.
var ErrEmptyLeaves = errors.New("merkle: cannot build a tree with zero leaves")

// Build constructs a balanced tree from leaf hashes in the given order.
// Pairing is left-to-right; an odd trailing node at any level is duplicated
// rather than promoted, matching the coordinator's chaining convention.
func Build(leafHashes [][]byte) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, ErrEmptyLeaves
	}

	level := make([]*Node, len(leafHashes))
	for i, h := range leafHashes {
		level[i] = &Node{Level: 0, Position: i, Hash: h}
	}

	tree := &Tree{Levels: [][]*Node{level}}

	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right *Node
			if i+1 < len(level) {
				right = level[i+1]
			} else {
				right = level[i] // odd node duplicated
			}
			parent := &Node{
				Level:    left.Level + 1,
				Position: len(next),
				Hash:     hashPair(left.Hash, right.Hash),
				Left:     left,
				Right:    right,
			}
			next = append(next, parent)
		}
		tree.Levels = append(tree.Levels, next)
		level = next
	}

	tree.Root = level[0]
	return tree, nil
}

// RootHash returns the tree's root hash, or nil for an empty tree.
func (t *Tree) RootHash() []byte {
	if t == nil || t.Root == nil {
		return nil
	}
	return t.Root.Hash
}

// ProofStep is one sibling hash needed to recompute the root from a leaf.
type ProofStep struct {
	Hash    []byte
	IsRight bool // true if the sibling is the right operand of the pairing
}

// Proof returns the inclusion proof for the leaf at position idx.
func (t *Tree) Proof(idx int) ([]ProofStep, error) {
	if t == nil || idx < 0 || idx >= len(t.Levels[0]) {
		return nil, errors.New("merkle: leaf index out of range")
	}

	var steps []ProofStep
	pos := idx
	for level := 0; level < len(t.Levels)-1; level++ {
		nodes := t.Levels[level]
		isRightChild := pos%2 == 1
		var siblingIdx int
		if isRightChild {
			siblingIdx = pos - 1
		} else {
			siblingIdx = pos + 1
			if siblingIdx >= len(nodes) {
				siblingIdx = pos // odd node was duplicated against itself
			}
		}
		sibling := nodes[siblingIdx]
		steps = append(steps, ProofStep{Hash: sibling.Hash, IsRight: !isRightChild})
		pos /= 2
	}
	return steps, nil
}

// VerifyProof recomputes the root from a leaf hash and its proof steps and
// compares it against the expected root.
func VerifyProof(leafHash []byte, steps []ProofStep, expectedRoot []byte) bool {
	current := leafHash
	for _, step := range steps {
		if step.IsRight {
			current = hashPair(current, step.Hash)
		} else {
			current = hashPair(step.Hash, current)
		}
	}
	return bytes.Equal(current, expectedRoot)
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// ChainRoot computes chained_root = SHA256(previousRoot ∥ currentRoot).
// previousRoot is nil (treated as the empty byte string) for the first cycle.
func ChainRoot(previousRoot, currentRoot []byte) []byte {
	h := sha256.New()
	if previousRoot != nil {
		h.Write(previousRoot)
	}
	h.Write(currentRoot)
	return h.Sum(nil)
}

// LeafHash hashes a single content blob for use as a tree leaf. Snapshot
// content hashes are computed upstream via canonical JSON encoding; this
// helper covers nodes (e.g. cycle chained_root bytes) used directly as leaves.
func LeafHash(content []byte) []byte {
	h := sha256.Sum256(content)
	return h[:]
}
