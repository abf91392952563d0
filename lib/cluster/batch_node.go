package cluster

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/aeroloop/lib/model"
)

// BatchNode is the set of batch rows sent to one node in one round.
// Offsets index the caller's record slice.
type BatchNode struct {
	Node    INode
	Offsets []int
}

func (b *BatchNode) String() string {
	return fmt.Sprintf("%s(%d rows)", b.Node.Name(), len(b.Offsets))
}

// GenerateBatchNodes groups records by the node currently serving them. A
// nil offsets slice means all records. Groups keep the order in which their
// node first appears and rows keep their relative order.
func GenerateBatchNodes(cl ICluster, records []*model.BatchRecord, offsets []int, policy *model.BasePolicy, seq Sequence) ([]*BatchNode, error) {
	if offsets == nil {
		offsets = make([]int, len(records))
		for i := range offsets {
			offsets[i] = i
		}
	}

	var groups []*BatchNode
	index := make(map[string]*BatchNode)
	for _, offset := range offsets {
		rec := records[offset]
		p := NewPartition(rec.Key, policy, rec.HasWrite)
		p.Sequence = seq

		node, err := cl.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s for row %d: %w", p, offset, err)
		}

		group, ok := index[node.Name()]
		if !ok {
			group = &BatchNode{Node: node}
			index[node.Name()] = group
			groups = append(groups, group)
		}
		group.Offsets = append(group.Offsets, offset)
	}
	return groups, nil
}

// SameSingleNode reports whether groups is exactly one group on node
func SameSingleNode(groups []*BatchNode, node INode) bool {
	return len(groups) == 1 && groups[0].Node.Name() == node.Name()
}

// FormatBatchNodes returns a short description used in debug logs
func FormatBatchNodes(groups []*BatchNode) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = g.String()
	}
	return strings.Join(parts, ", ")
}
