package testutil

import (
	"strconv"
	"sync/atomic"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... for request and
// connection identifiers.
//
// Unlike engine.FixedGenerator it never runs out, which suits scenarios
// whose step count is not known in advance.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialIDs creates a generator for prefix. An empty prefix means
// "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate implements engine.IDGenerator.
func (g *SequentialIDs) Generate() string {
	return g.prefix + "-" + strconv.FormatInt(g.n.Add(1), 10)
}
