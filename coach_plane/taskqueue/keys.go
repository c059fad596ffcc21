package taskqueue

import (
	"fmt"
)

// Redis key layout. Format: coach:queue:{set} for the two ZSETs, coach:task:{id}
// for task bodies.
const (
	pendingKey  = "coach:queue:pending"
	inflightKey = "coach:queue:inflight"
)

func taskKey(id string) string {
	return fmt.Sprintf("coach:task:%s", id)
}
