package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func NodeStatusKey(nodeID uuid.UUID) string {
	return fmt.Sprintf("node:status:%s", nodeID)
}

func CellStatusKey(cellID uuid.UUID) string {
	return fmt.Sprintf("cell:status:%s", cellID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
