// Package idgen issues order and trade ids from a snowflake node, so ids
// are unique across processes sharing one database and grow with time.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out snowflake ids
type Generator struct {
	node *snowflake.Node
}

// New creates a generator for the given node (0-1023)
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// MustNew is New for tests and fixed configuration
func MustNew(nodeID int64) *Generator {
	g, err := New(nodeID)
	if err != nil {
		panic(err)
	}
	return g
}

// Next returns a new id
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
