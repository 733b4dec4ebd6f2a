package beeps

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NodeID identifies one replica of a document. Every live replica of the
// same document must carry a distinct ID; it is the final tie-break in the
// clock ordering.
type NodeID uint16

// RandomNodeID picks an ID seeded from the current time. Callers assigning
// an ID to a fresh replica should check it against the node IDs already
// present in the document before keeping it.
func RandomNodeID() NodeID {
	seed := uint64(time.Now().UnixNano())
	return NodeID(rand.New(rand.NewPCG(seed, pcgStream)).Uint64())
}

// MinNodeID is the least possible node ID.
const MinNodeID NodeID = 0

// MaxNodeID is the greatest possible node ID.
const MaxNodeID NodeID = 1<<16 - 1

func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint16(n))
}
