package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Window is a Redis fixed-window counter shared by every instance.
type Window struct {
	client *redis.Client
	script *redis.Script
	prefix string
	limit  int
	window time.Duration
}

func NewWindow(client *redis.Client, prefix string, limit int, window time.Duration) *Window {
	return &Window{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (w *Window) Allow(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, errors.New("rate limiter key is empty")
	}
	if w.limit <= 0 || w.window <= 0 {
		return &Result{Allowed: true, Limit: w.limit}, nil
	}

	values, err := w.script.Run(ctx, w.client, []string{w.prefix + key}, w.window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, errors.New("unexpected rate limiter response")
	}

	count, ttl := int(values[0]), values[1]
	res := &Result{
		Allowed:   count <= w.limit,
		Limit:     w.limit,
		Remaining: max(w.limit-count, 0),
	}
	if !res.Allowed && ttl > 0 {
		res.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return res, nil
}
