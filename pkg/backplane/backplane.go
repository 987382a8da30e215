// Package backplane is the pub/sub fabric connecting relay processes.
// Delivery is at-least-once; ordering across processes is best-effort.
// Receivers are expected to dedup by idempotency token at the store.
package backplane

import (
	"context"

	"relayd/pkg/models"
)

// Handler is invoked once per envelope received from another process.
type Handler func(env models.Envelope)

// Backplane fans accepted messages out to every relay process. Publish
// makes the envelope visible to the fleet; every implementation here
// echoes to the publisher as well, and the subscriber side drops
// envelopes whose origin matches the local node, so a session never sees
// the same sequence twice.
type Backplane interface {
	Publish(ctx context.Context, env models.Envelope) error
	Subscribe(h Handler)
	Healthy() bool
	Close() error
}
