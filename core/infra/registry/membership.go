package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/gridlock/core/infra/redisutil"
)

const (
	memberKeyPrefix = "gridlock:node:"
	defaultTTL      = 30 * time.Second
)

// Member is one node's registration record.
type Member struct {
	NodeID      int       `json:"node_id"`
	InstanceID  string    `json:"instance_id"`
	Inbox       string    `json:"inbox"`
	StartedAt   time.Time `json:"started_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Membership tracks which nodes are alive via TTL-stamped records in
// Redis. A node that stops refreshing falls out of the listing.
type Membership struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMembership connects to Redis at the given URL.
func NewMembership(url string) (*Membership, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Membership{client: client, ttl: defaultTTL}, nil
}

// Close shuts down the Redis client.
func (m *Membership) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func memberKey(nodeID int) string {
	return memberKeyPrefix + strconv.Itoa(nodeID)
}

// Register writes this node's record and returns it. The instance id
// distinguishes restarts of the same node id.
func (m *Membership) Register(ctx context.Context, nodeID int, inbox string) (*Member, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("membership unavailable")
	}
	if nodeID < 0 {
		return nil, fmt.Errorf("invalid node id %d", nodeID)
	}
	now := time.Now().UTC()
	member := &Member{
		NodeID:      nodeID,
		InstanceID:  uuid.NewString(),
		Inbox:       inbox,
		StartedAt:   now,
		RefreshedAt: now,
	}
	if err := m.write(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// Refresh re-stamps the record's TTL. Call it on a cadence well under the
// TTL.
func (m *Membership) Refresh(ctx context.Context, member *Member) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("membership unavailable")
	}
	if member == nil {
		return fmt.Errorf("nil member")
	}
	member.RefreshedAt = time.Now().UTC()
	return m.write(ctx, member)
}

func (m *Membership) write(ctx context.Context, member *Member) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	return m.client.Set(ctx, memberKey(member.NodeID), data, m.ttl).Err()
}

// Deregister removes this node's record.
func (m *Membership) Deregister(ctx context.Context, nodeID int) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("membership unavailable")
	}
	return m.client.Del(ctx, memberKey(nodeID)).Err()
}

// Get returns one node's record, or nil when absent.
func (m *Membership) Get(ctx context.Context, nodeID int) (*Member, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("membership unavailable")
	}
	data, err := m.client.Get(ctx, memberKey(nodeID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var member Member
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, fmt.Errorf("parse member %d: %w", nodeID, err)
	}
	return &member, nil
}

// List returns every live node record ordered by node id.
func (m *Membership) List(ctx context.Context) ([]Member, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("membership unavailable")
	}
	var (
		cursor  uint64
		members []Member
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, memberKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			nodeID, err := strconv.Atoi(strings.TrimPrefix(key, memberKeyPrefix))
			if err != nil {
				continue
			}
			member, err := m.Get(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			if member != nil {
				members = append(members, *member)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].NodeID < members[j].NodeID })
	return members, nil
}
