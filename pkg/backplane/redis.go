package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"relayd/pkg/logger"
	"relayd/pkg/models"
	"relayd/pkg/telemetry"
)

const healthInterval = 5 * time.Second

// Redis is a Backplane on a Redis pub/sub channel. go-redis resubscribes
// after transient disconnects; until then the process degrades to local
// delivery only, which the health gauge and logs make visible.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string

	mu      sync.RWMutex
	handler Handler

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewRedis connects to the Redis at url and joins the named channel as
// the given origin node. A Redis that is down at startup is tolerated:
// the backplane starts degraded and recovers when Redis comes back.
func NewRedis(ctx context.Context, url, channel, origin string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	r := &Redis{client: client, channel: channel, origin: origin}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("backplane_unreachable_at_startup", "url", url, "error", err)
		r.setHealthy(false)
	} else {
		r.setHealthy(true)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done.Add(2)
	go r.receiveLoop(runCtx)
	go r.healthLoop(runCtx)
	logger.Info("backplane_joined", "channel", channel, "origin", origin)
	return r, nil
}

func (r *Redis) receiveLoop(ctx context.Context) {
	defer r.done.Done()
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("backplane_bad_envelope", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			telemetry.BackplaneReceived.Inc()
			r.mu.RLock()
			h := r.handler
			r.mu.RUnlock()
			if h != nil {
				h(env)
			}
		}
	}
}

func (r *Redis) healthLoop(ctx context.Context) {
	defer r.done.Done()
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := r.client.Ping(ctx).Err()
			was := r.Healthy()
			now := err == nil
			r.setHealthy(now)
			if was && !now {
				logger.Warn("backplane_degraded", "error", err)
			}
			if !was && now {
				logger.Info("backplane_recovered")
			}
		}
	}
}

// Publish sends the envelope to the fleet. Failures degrade cross-process
// delivery only; the caller has already delivered locally.
func (r *Redis) Publish(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return err
	}
	telemetry.BackplanePublished.Inc()
	return nil
}

func (r *Redis) Subscribe(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Redis) Healthy() bool {
	return r.healthy.Load()
}

func (r *Redis) setHealthy(v bool) {
	r.healthy.Store(v)
	if v {
		telemetry.BackplaneHealthy.Set(1)
	} else {
		telemetry.BackplaneHealthy.Set(0)
	}
}

func (r *Redis) Close() error {
	r.cancel()
	r.done.Wait()
	return r.client.Close()
}
