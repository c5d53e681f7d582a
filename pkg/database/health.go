package database

import (
	"context"
	"time"
)

// HealthCheck verifies database connectivity with a bounded ping.
func (c *Client) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.PingContext(pingCtx)
}
