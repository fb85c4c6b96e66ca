// Package stats queries the data plane's statistics interface. A single
// QueryStat RPC is served over two interchangeable transports (HTTP JSON and
// the xray CLI); the first transport to succeed becomes the sticky
// preference for subsequent calls.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"oneui/internal/shared/logger"
)

// UplinkKey and DownlinkKey build the stat key grammar understood by the
// data plane for user- and inbound-scoped counters.
func UplinkKey(scope, key string) string {
	return fmt.Sprintf("%s>>>%s>>>traffic>>>uplink", scope, key)
}

func DownlinkKey(scope, key string) string {
	return fmt.Sprintf("%s>>>%s>>>traffic>>>downlink", scope, key)
}

const (
	ScopeUser    = "user"
	ScopeInbound = "inbound"
)

// Result is the outcome of one stat query. Found is true iff a transport
// returned an explicit value field, regardless of its numeric value.
type Result struct {
	Value uint64
	Found bool
}

// Transport is one way of reaching the stats interface.
type Transport interface {
	Name() string
	QueryStat(ctx context.Context, pattern string, reset bool) (Result, error)
}

// Client fans a query across the transports in preference order. The first
// success updates an atomic preference token so the next call tries the
// winning transport first without added latency.
type Client struct {
	transports []Transport
	preferred  atomic.Int32
	logger     logger.Interface
}

// NewClient builds a client over the given transports, tried in the given
// initial order.
func NewClient(log logger.Interface, transports ...Transport) *Client {
	return &Client{
		transports: transports,
		logger:     log.Named("stats"),
	}
}

// QueryStat tries the preferred transport and falls back once to the other.
// The last error is propagated when every transport fails.
func (c *Client) QueryStat(ctx context.Context, pattern string, reset bool) (Result, error) {
	if len(c.transports) == 0 {
		return Result{}, fmt.Errorf("no stat transport configured")
	}

	order := c.order()
	var lastErr error
	for _, idx := range order {
		transport := c.transports[idx]
		res, err := transport.QueryStat(ctx, pattern, reset)
		if err != nil {
			lastErr = err
			c.logger.Debugw("stat transport failed",
				"transport", transport.Name(), "pattern", pattern, "error", err)
			continue
		}
		c.preferred.Store(int32(idx))
		return res, nil
	}
	return Result{}, fmt.Errorf("all stat transports failed: %w", lastErr)
}

func (c *Client) order() []int {
	preferred := int(c.preferred.Load())
	if preferred < 0 || preferred >= len(c.transports) {
		preferred = 0
	}
	order := make([]int, 0, len(c.transports))
	order = append(order, preferred)
	for i := range c.transports {
		if i != preferred {
			order = append(order, i)
		}
	}
	return order
}

// coerceValue normalizes number, string, or bigint representations to a
// uint64. Negative, non-finite, or unparseable values collapse to zero.
func coerceValue(v any) uint64 {
	switch value := v.(type) {
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return 0
		}
		return uint64(value)
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return 0
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && !math.IsInf(f, 0) {
			return uint64(f)
		}
		return 0
	case json.Number:
		if n, err := strconv.ParseUint(value.String(), 10, 64); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil && f > 0 && !math.IsInf(f, 0) {
			return uint64(f)
		}
		return 0
	case int64:
		if value < 0 {
			return 0
		}
		return uint64(value)
	case uint64:
		return value
	default:
		return 0
	}
}
