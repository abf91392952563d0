package cluster

import (
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Sequence is the replica attempt counter of a command. AP namespaces walk
// their replicas with SequenceAP, strong consistency namespaces with SequenceSC.
type Sequence struct {
	AP int
	SC int
}

// AdvanceRead moves to the next replica after a failed read or batch round.
// A client timeout of a linearized read keeps the SC sequence, a slow node
// is not an unavailable one.
func (s *Sequence) AdvanceRead(timeout bool, mode model.ReadModeSC) {
	s.AP++
	if !timeout || mode != model.ReadModeSCLinearize {
		s.SC++
	}
}

// AdvanceWrite moves to the next replica after a failed write. A timed out
// write stays on its node.
func (s *Sequence) AdvanceWrite(timeout bool) {
	if !timeout {
		s.AP++
		s.SC++
	}
}

// Partition identifies the target of a single record command
type Partition struct {
	Namespace  string
	ID         int
	IsWrite    bool
	Replica    model.Replica
	ReadModeSC model.ReadModeSC
	Sequence
}

// NewPartition creates the partition of key with both sequences at zero
func NewPartition(key *model.Key, policy *model.BasePolicy, isWrite bool) *Partition {
	return &Partition{
		Namespace:  key.Namespace,
		ID:         key.PartitionID(),
		IsWrite:    isWrite,
		Replica:    policy.Replica,
		ReadModeSC: policy.ReadModeSC,
	}
}

// PrepareRetry advances the sequence for the next attempt
func (p *Partition) PrepareRetry(timeout bool) {
	if p.IsWrite {
		p.AdvanceWrite(timeout)
	} else {
		p.AdvanceRead(timeout, p.ReadModeSC)
	}
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s:%d", p.Namespace, p.ID)
}
