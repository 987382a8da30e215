package models

// Message is one accepted relay message. Immutable once appended.
type Message struct {
	// Sequence is assigned by the store at append time: strictly
	// increasing, unique and gapless within one store instance.
	Sequence uint64 `json:"seq"`
	// Token is the client-supplied idempotency token. Empty means the
	// client did not request dedup.
	Token string `json:"token,omitempty"`
	// Content is the opaque payload, passed through unmodified.
	Content string `json:"content"`
	// AcceptedAt is the append-time marker (UnixNano), used only for
	// store hygiene such as retention.
	AcceptedAt int64 `json:"accepted_at"`
}

// Envelope is the unit exchanged over the broadcast backplane. It carries
// the full message so every process can keep its own replayable history,
// plus the origin node id so subscribers can drop their own echoes.
type Envelope struct {
	Origin   string `json:"origin"`
	Sequence uint64 `json:"seq"`
	Token    string `json:"token,omitempty"`
	Content  string `json:"content"`
}

// Envelope derives the broadcast envelope for a message accepted on the
// given node.
func (m Message) Envelope(origin string) Envelope {
	return Envelope{Origin: origin, Sequence: m.Sequence, Token: m.Token, Content: m.Content}
}
