package agent

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDs generates agent, step and message identifiers. Identifiers from one
// generator never collide.
type IDs struct {
	n atomic.Uint64
}

func (g *IDs) Agent() string {
	return fmt.Sprintf("agent-%d-%d", g.n.Add(1), time.Now().UnixMilli())
}

func (g *IDs) Step() string {
	return fmt.Sprintf("step-%d-%s", g.n.Add(1), uuid.NewString()[:8])
}

func (g *IDs) Message() string {
	return fmt.Sprintf("msg-%d-%d-%s", time.Now().UnixMilli(), g.n.Add(1), uuid.NewString()[:8])
}
