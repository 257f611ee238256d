package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Generator issues binding IDs and task/detail IDs.
type Generator interface {
	NextBindingID() int64
	NewID() string
}

// Snowflake issues time-ordered 64-bit binding IDs. Every running instance needs its
// own node number (0-1023) so IDs never collide across processes.
type Snowflake struct {
	node *snowflake.Node
}

var _ Generator = (*Snowflake)(nil)

func NewSnowflake(node int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", node, err)
	}
	return &Snowflake{node: n}, nil
}

func (s *Snowflake) NextBindingID() int64 {
	return s.node.Generate().Int64()
}

func (s *Snowflake) NewID() string {
	return uuid.NewString()
}
