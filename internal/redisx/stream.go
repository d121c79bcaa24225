package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one record appended to or read from a run's event stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// XAdd appends a field set to a stream, trimming approximately to maxLen
// with Redis's "~" trim strategy (cheap, does not require exact counts).
func (c *Client) XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error) {
	var id string
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: fields,
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		v, err := c.rdb.XAdd(ctx, args).Result()
		id = v
		return err
	})
	return id, err
}

// XRange reads entries from start to end (use "-" and "+" for full range).
func (c *Client) XRange(ctx context.Context, stream, start, end string) ([]StreamEntry, error) {
	var out []StreamEntry
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		msgs, err := c.rdb.XRange(ctx, stream, start, end).Result()
		if err != nil {
			return err
		}
		out = make([]StreamEntry, 0, len(msgs))
		for _, m := range msgs {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprintf("%v", v)
			}
			out = append(out, StreamEntry{ID: m.ID, Fields: fields})
		}
		return nil
	})
	return out, err
}

// XLen returns the current (approximate) length of a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		v, err := c.rdb.XLen(ctx, stream).Result()
		n = v
		return err
	})
	return n, err
}
