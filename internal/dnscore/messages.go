package dnscore

// Envelope types used on the dns protocol. The urgent protocol carries
// PING/PONG so liveness checks never sit behind a batch timer.
const (
	TypeQuery    = "DNS_QUERY"
	TypeResponse = "DNS_RESPONSE"
	TypeRegister = "DNS_REGISTER"
	TypeUpdate   = "DNS_UPDATE"
	TypePing     = "PING"
	TypePong     = "PONG"
)

// Record is one domain binding. RegisteredAt is unix milliseconds and
// settles first-come-first-served conflicts: the earlier registration wins.
type Record struct {
	Domain       string `json:"domain"`
	Kind         Kind   `json:"kind"`
	OwnerID      int    `json:"owner_id"`
	RegisteredAt int64  `json:"registered_at"`
}

// QueryPayload asks the network who owns a domain.
type QueryPayload struct {
	Domain string `json:"domain"`
}

// ResponsePayload answers a query. Found=false is an authoritative
// negative from a node that knows the name space.
type ResponsePayload struct {
	Domain       string `json:"domain"`
	Found        bool   `json:"found"`
	OwnerID      int    `json:"owner_id,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	RegisteredAt int64  `json:"registered_at,omitempty"`
}

// RegisterPayload announces a new binding so peers can warm their caches.
type RegisterPayload struct {
	Domain       string `json:"domain"`
	Kind         Kind   `json:"kind"`
	OwnerID      int    `json:"owner_id"`
	RegisteredAt int64  `json:"registered_at"`
}

// Update actions carried by UpdatePayload.
const (
	UpdateInvalidate = "invalidate"
	UpdateTransfer   = "transfer"
)

// UpdatePayload tells peers a binding changed. Invalidate drops cached
// entries; transfer rebinds the domain to a new owner.
type UpdatePayload struct {
	Domain  string `json:"domain"`
	Action  string `json:"action"`
	OwnerID int    `json:"owner_id,omitempty"`
}

// PingPayload probes a specific node for liveness. Nodes other than
// Target ignore it.
type PingPayload struct {
	Nonce  string `json:"nonce"`
	Target int    `json:"target"`
}

// PongPayload echoes the probe nonce.
type PongPayload struct {
	Nonce string `json:"nonce"`
}
