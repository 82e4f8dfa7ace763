// Package idgenerator produces node-scoped session identifiers. Ids are
// unique across a cluster as long as every node uses a distinct prefix.
package idgenerator

import (
	"strconv"
	"sync/atomic"
)

// IdGenerator hands out monotonically increasing sequence numbers and
// formats them as "<prefix>-<seq>". It is safe for concurrent use.
type IdGenerator struct {
	prefix string
	seq    atomic.Uint64
}

// NewIdGenerator creates a generator whose first Id is startValue+1.
//
// Parameters:
//   - prefix: Node-unique prefix, usually the node id
//   - startValue: Initial counter value
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(prefix string, startValue uint64) *IdGenerator {
	gen := &IdGenerator{prefix: prefix}
	gen.seq.Store(startValue)
	return gen
}

// Seq returns the next raw sequence number.
func (g *IdGenerator) Seq() uint64 {
	return g.seq.Add(1)
}

// Id returns the next formatted identifier.
func (g *IdGenerator) Id() string {
	return g.prefix + "-" + strconv.FormatUint(g.Seq(), 10)
}
