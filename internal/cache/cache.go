// Package cache is the Redis edge of the service: the rendered graph
// documents the API serves, the per-node detail hashes, the findings
// intake queue, the topology snapshots, and the aggregator lease all
// live here. Readers never touch the graph store directly.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GraphKind selects which rendered document a key addresses.
type GraphKind string

const (
	GraphThreat GraphKind = "threat-graph"
	GraphAttack GraphKind = "attack-graph"
)

const (
	keyPrefix   = "threatgraph:"
	leaseKey    = keyPrefix + "aggregator:lease"
	topologyKey = keyPrefix + "topology:"
)

// ErrLeaseLost is returned when a renew or release finds the lease held
// by someone else (or expired).
var ErrLeaseLost = errors.New("aggregator lease lost")

// Client wraps a Redis connection with the service's key schema.
type Client struct {
	rdb   *redis.Client
	ttl   time.Duration
	queue string
	log   *zap.Logger
}

// New creates a cache client from configuration and verifies the
// connection.
func New(cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:   rdb,
		ttl:   cfg.DocumentTTL,
		queue: cfg.FindingsQueue,
		log:   logger.Named("cache"),
	}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests to point
// at miniredis.
func NewWithClient(rdb *redis.Client, ttl time.Duration, queue string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rdb: rdb, ttl: ttl, queue: queue, log: logger.Named("cache")}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func docKey(graph GraphKind) string {
	return keyPrefix + string(graph)
}

func nodesKey(graph GraphKind) string {
	return docKey(graph) + ":nodes"
}

// -- Rendered documents --

// SetGraphDoc replaces the whole rendered document for a graph. Readers
// only ever see the previous complete document or this one.
func (c *Client) SetGraphDoc(ctx context.Context, graph GraphKind, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s document: %w", graph, err)
	}
	if err := c.rdb.Set(ctx, docKey(graph), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s document: %w", graph, err)
	}
	return nil
}

// GraphDoc returns the rendered document for a graph, or nil when none
// has been published yet.
func (c *Client) GraphDoc(ctx context.Context, graph GraphKind) ([]byte, error) {
	data, err := c.rdb.Get(ctx, docKey(graph)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s document: %w", graph, err)
	}
	return data, nil
}

// SetNodeDetails swaps the per-node detail hash for a graph. The DEL and
// HSET travel in one pipeline so stale entries from the previous run do
// not survive into the new hash.
func (c *Client) SetNodeDetails(ctx context.Context, graph GraphKind, details map[string]any) error {
	args := make([]any, 0, len(details)*2)
	for nodeID, detail := range details {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail for node %s: %w", nodeID, err)
		}
		args = append(args, nodeID, string(data))
	}

	key := nodesKey(graph)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(args) > 0 {
		pipe.HSet(ctx, key, args...)
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to swap %s node details: %w", graph, err)
	}
	return nil
}

// NodeDetail returns the detail entry for one node, or nil when the
// node is unknown.
func (c *Client) NodeDetail(ctx context.Context, graph GraphKind, nodeID string) ([]byte, error) {
	data, err := c.rdb.HGet(ctx, nodesKey(graph), nodeID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read detail for node %s: %w", nodeID, err)
	}
	return data, nil
}

// -- Findings intake queue --

// PushFinding enqueues one raw finding record for ingestion.
func (c *Client) PushFinding(ctx context.Context, raw []byte) error {
	if err := c.rdb.LPush(ctx, c.queue, raw).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", c.queue, err)
	}
	return nil
}

// PopFinding blocks up to timeout for the next raw finding record.
// Returns nil on timeout.
func (c *Client) PopFinding(ctx context.Context, timeout time.Duration) ([]byte, error) {
	// BRPOP returns [queue_name, value] or redis.Nil on timeout.
	result, err := c.rdb.BRPop(ctx, timeout, c.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", c.queue, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length: %d", len(result))
	}
	return []byte(result[1]), nil
}

// -- Topology snapshots --

// SetTopology stores the latest topology snapshot for one node type.
func (c *Client) SetTopology(ctx context.Context, nodeType string, snap schemas.TopologySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal %s topology: %w", nodeType, err)
	}
	if err := c.rdb.Set(ctx, topologyKey+nodeType, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s topology: %w", nodeType, err)
	}
	return nil
}

// Topology returns the stored topology snapshot for one node type, or
// an empty snapshot when none exists.
func (c *Client) Topology(ctx context.Context, nodeType string) (schemas.TopologySnapshot, error) {
	data, err := c.rdb.Get(ctx, topologyKey+nodeType).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return schemas.TopologySnapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read %s topology: %w", nodeType, err)
	}
	var snap schemas.TopologySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s topology: %w", nodeType, err)
	}
	return snap, nil
}

// -- Aggregator lease --

// AcquireLease tries to take the aggregator lease for ttl. On success
// it returns an owner token to renew and release with; otherwise ok is
// false and another instance holds the lease.
func (c *Client) AcquireLease(ctx context.Context, ttl time.Duration) (owner string, ok bool, err error) {
	owner = uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, leaseKey, owner, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	c.log.Debug("Aggregator lease acquired", zap.String("owner", owner))
	return owner, true, nil
}

// RenewLease extends the lease if we still own it.
func (c *Client) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	current, err := c.rdb.Get(ctx, leaseKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if current != owner {
		return ErrLeaseLost
	}
	if err := c.rdb.Expire(ctx, leaseKey, ttl).Err(); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// ReleaseLease drops the lease if we still own it. Releasing a lease
// someone else took over is a no-op.
func (c *Client) ReleaseLease(ctx context.Context, owner string) error {
	current, err := c.rdb.Get(ctx, leaseKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if current != owner {
		return nil
	}
	if err := c.rdb.Del(ctx, leaseKey).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
