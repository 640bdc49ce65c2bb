package httpapi

import (
	"encoding/hex"
	"fmt"
	"sort"

	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/pkg/merkle"
)

// leafHashesFromNodes rebuilds the ordered leaf-hash slice a cycle's Merkle
// tree was originally built from (level 0, positioned), so the same tree
// shape can be reproduced to derive an inclusion proof. It returns the
// index of the leaf matching snapshotID.
func leafHashesFromNodes(nodes []domainscore.Node, snapshotID string) ([][]byte, int, error) {
	var leaves []domainscore.Node
	for _, n := range nodes {
		if n.Level == 0 {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Position < leaves[j].Position })

	hashes := make([][]byte, len(leaves))
	index := -1
	for i, n := range leaves {
		h, err := hex.DecodeString(n.Hash)
		if err != nil {
			return nil, -1, fmt.Errorf("decode leaf hash at position %d: %w", n.Position, err)
		}
		hashes[i] = h
		if n.SnapshotID == snapshotID {
			index = i
		}
	}
	if index < 0 {
		return nil, -1, fmt.Errorf("snapshot %s not found among cycle leaves", snapshotID)
	}
	return hashes, index, nil
}

func toProofSteps(steps []merkle.ProofStep) []domainscore.ProofStep {
	out := make([]domainscore.ProofStep, len(steps))
	for i, s := range steps {
		side := domainscore.NodeLeft
		if s.IsRight {
			side = domainscore.NodeRight
		}
		out[i] = domainscore.ProofStep{Hash: hex.EncodeToString(s.Hash), Position: side}
	}
	return out
}
