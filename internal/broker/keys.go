package broker

import (
	"fmt"

	"github.com/google/uuid"
)

// LeaseKey names the exclusive claim on one prompt handle.
func LeaseKey(handleID uuid.UUID) string {
	return fmt.Sprintf("prompt_handle_%s", handleID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
