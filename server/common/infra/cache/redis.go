package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Connect opens a client against addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
