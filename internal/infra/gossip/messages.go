package gossip

import (
	"encoding/json"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// MessageType tags a gossip envelope's payload.
type MessageType string

const (
	MsgNodeHello        MessageType = "NODE_HELLO"
	MsgCapabilityUpdate MessageType = "CAPABILITY_UPDATE"
	MsgNodeCostUpdate   MessageType = "NODE_COST_UPDATE"
	MsgKnowledgeState   MessageType = "KNOWLEDGE_STATE"
	MsgModelDeployed    MessageType = "MODEL_DEPLOYED"
	MsgAgentRegister    MessageType = "AGENT_REGISTER"
	MsgToolAvailable    MessageType = "TOOL_AVAILABLE"
	MsgFarewell         MessageType = "FAREWELL"
)

// Envelope wraps every message exchanged between peers. (Sender, Seq) is the
// idempotency key gossip-apply uses: a pair already applied is a no-op no
// matter how many paths or retries deliver it again.
//
// Signature is the origin node's Ed25519 signature over the envelope's
// canonical bytes (everything but the signature itself). Sender is the
// signer's public key hex, so any receiver can verify without a key
// exchange; the envelope stays valid however many hops relay it.
type Envelope struct {
	Sender    domain.NodeID `json:"sender"`
	Seq       uint64        `json:"seq"`
	WallTS    time.Time     `json:"wall_ts"`
	TTLHops   int           `json:"ttl_hops"`
	Type      MessageType   `json:"type"`
	Signature []byte        `json:"signature,omitempty"`

	Hello         *HelloPayload            `json:"hello,omitempty"`
	Capability    *CapabilityUpdatePayload `json:"capability,omitempty"`
	Cost          *CostUpdatePayload       `json:"cost,omitempty"`
	Knowledge     *KnowledgeStatePayload   `json:"knowledge,omitempty"`
	ModelDeployed *ModelDeployedPayload    `json:"model_deployed,omitempty"`
	AgentRegister *AgentRegisterPayload    `json:"agent_register,omitempty"`
	ToolAvailable *ToolAvailablePayload    `json:"tool_available,omitempty"`
	Farewell      *FarewellPayload         `json:"farewell,omitempty"`
}

// HelloPayload announces (or re-announces) a node's full current record.
type HelloPayload struct {
	Node domain.Node `json:"node"`
}

// CapabilityUpdatePayload replaces a node's advertised capability set.
type CapabilityUpdatePayload struct {
	NodeID       domain.NodeID       `json:"node_id"`
	Capabilities []domain.Capability `json:"capabilities"`
}

// CostUpdatePayload carries a fresh CostState sample.
type CostUpdatePayload struct {
	NodeID domain.NodeID    `json:"node_id"`
	Cost   domain.CostState `json:"cost"`
}

// KnowledgeStatePayload carries a node's per-domain knowledge sync state.
type KnowledgeStatePayload struct {
	NodeID domain.NodeID               `json:"node_id"`
	States []domain.NodeKnowledgeState `json:"states"`
}

// ModelDeployedPayload announces a newly deployed inference/embedding model.
type ModelDeployedPayload struct {
	NodeID domain.NodeID         `json:"node_id"`
	Model  string                `json:"model"`
	Type   domain.CapabilityType `json:"capability_type"`
}

// AgentRegisterPayload announces a software agent's capability set, handled
// identically to CAPABILITY_UPDATE once unwrapped.
type AgentRegisterPayload struct {
	NodeID       domain.NodeID       `json:"node_id"`
	AgentID      string              `json:"agent_id"`
	Capabilities []domain.Capability `json:"capabilities"`
}

// ToolAvailablePayload announces a single newly available tool capability.
type ToolAvailablePayload struct {
	NodeID domain.NodeID     `json:"node_id"`
	Tool   domain.Capability `json:"tool"`
}

// FarewellPayload announces a node's intentional, graceful departure —
// distinct from silence, which is detected by the liveness tracker instead.
type FarewellPayload struct {
	NodeID domain.NodeID `json:"node_id"`
	Reason string        `json:"reason,omitempty"`
}

// Digest is the compact (node_id -> seq, hash) fingerprint exchanged during
// an anti-entropy tick, before either side sends any full envelope.
type Digest struct {
	NodeID domain.NodeID `json:"node_id"`
	Seq    uint64        `json:"seq"`
	Hash   uint64        `json:"hash"`
}

// DigestSet is one side's whole known-peer digest table.
type DigestSet struct {
	Sender  domain.NodeID `json:"sender"`
	Digests []Digest      `json:"digests"`
}

// ReconcileResponse answers a DigestSet: envelopes the sender is behind on,
// plus the node IDs the responder would like pushed back next round.
type ReconcileResponse struct {
	Push []Envelope      `json:"push"`
	Pull []domain.NodeID `json:"pull"`
}

// PushBatch carries full envelopes proactively, bypassing digest reconciliation.
// Used both for the Pull follow-up round and for urgent broadcasts (FAREWELL,
// a significant cost change) that should not wait for the next tick.
type PushBatch struct {
	Envelopes []Envelope `json:"envelopes"`
}

// WireKind discriminates the payload carried by a WireMessage — the only
// thing the opaque domain.Transport.SendGossip byte channel actually moves.
type WireKind string

const (
	WireDigest    WireKind = "digest"
	WireReconcile WireKind = "reconcile"
	WirePush      WireKind = "push"
)

// WireMessage is the single envelope type serialized onto the transport.
type WireMessage struct {
	Kind      WireKind           `json:"kind"`
	Digest    *DigestSet         `json:"digest,omitempty"`
	Reconcile *ReconcileResponse `json:"reconcile,omitempty"`
	Push      *PushBatch         `json:"push,omitempty"`
}

// Encode marshals any gossip wire value to its transport bytes.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }

// Decode unmarshals transport bytes produced by Encode.
func Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// SigningBytes returns the canonical byte form an envelope signature covers:
// the envelope with its Signature field cleared. encoding/json writes struct
// fields in declaration order, so the form is stable across peers.
func (env Envelope) SigningBytes() []byte {
	env.Signature = nil
	b, err := Encode(env)
	if err != nil {
		return nil
	}
	return b
}
