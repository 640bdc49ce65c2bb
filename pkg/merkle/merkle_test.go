package merkle

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func leaf(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func TestBuildRejectsEmpty(t *testing.T) {
	if _, err := Build(nil); err != ErrEmptyLeaves {
		t.Fatalf("expected ErrEmptyLeaves, got %v", err)
	}
}

func TestBuildSingleLeaf(t *testing.T) {
	l := leaf("a")
	tree, err := Build([][]byte{l})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(tree.RootHash(), l) {
		t.Fatalf("single-leaf root should equal the leaf hash")
	}
}

func TestBuildOddNodeDuplication(t *testing.T) {
	leaves := [][]byte{leaf("a"), leaf("b"), leaf("c")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	expectedLevel1 := []([]byte){
		hashPair(leaves[0], leaves[1]),
		hashPair(leaves[2], leaves[2]), // odd node duplicated
	}
	expectedRoot := hashPair(expectedLevel1[0], expectedLevel1[1])
	if !bytes.Equal(tree.RootHash(), expectedRoot) {
		t.Fatalf("root mismatch for odd-length leaf set")
	}
}

func TestProofRoundTrip(t *testing.T) {
	leaves := [][]byte{leaf("a"), leaf("b"), leaf("c"), leaf("d"), leaf("e")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := range leaves {
		steps, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof(%d): %v", i, err)
		}
		if !VerifyProof(leaves[i], steps, tree.RootHash()) {
			t.Fatalf("proof for leaf %d failed to verify", i)
		}
	}
}

func TestProofRejectsTamperedLeaf(t *testing.T) {
	leaves := [][]byte{leaf("a"), leaf("b"), leaf("c"), leaf("d")}
	tree, _ := Build(leaves)
	steps, _ := tree.Proof(1)
	if VerifyProof(leaf("tampered"), steps, tree.RootHash()) {
		t.Fatalf("expected verification to fail for a tampered leaf")
	}
}

func TestChainRootFirstCycleUsesEmptyPrevious(t *testing.T) {
	snapshotsRoot := leaf("snapshots")
	withNil := ChainRoot(nil, snapshotsRoot)

	h := sha256.New()
	h.Write(snapshotsRoot)
	expected := h.Sum(nil)

	if !bytes.Equal(withNil, expected) {
		t.Fatalf("first-cycle chained_root should hash the empty previous root")
	}
}

func TestChainRootDependsOnPrevious(t *testing.T) {
	root := leaf("snapshots")
	a := ChainRoot(leaf("prev-a"), root)
	b := ChainRoot(leaf("prev-b"), root)
	if bytes.Equal(a, b) {
		t.Fatalf("different previous roots must produce different chained roots")
	}
}
