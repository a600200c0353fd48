package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel out-of-band consumers (mailers, toasts) subscribe to.
const eventsChannel = "session.events"

type event struct {
	Room string    `json:"room"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// LogNotifier just logs events; the default when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(roomID, kind string) {
	log.Printf("Event %s for room %s", kind, roomID)
}

// RedisNotifier publishes room events to a Redis channel, fire-and-forget.
// Publish failures are logged and never surfaced to room participants.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(addr string) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisNotifier{rdb: rdb}, nil
}

func (n *RedisNotifier) Notify(roomID, kind string) {
	payload, err := json.Marshal(event{Room: roomID, Kind: kind, At: time.Now().UTC()})
	if err != nil {
		log.Printf("Notify: marshal %s/%s: %v", roomID, kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		log.Printf("Notify: publish %s/%s: %v", roomID, kind, err)
	}
}

func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
