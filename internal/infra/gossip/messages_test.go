package gossip

import (
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	original := Envelope{
		Sender:  "nodeA",
		Seq:     7,
		WallTS:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TTLHops: 2,
		Type:    MsgCapabilityUpdate,
		Capability: &CapabilityUpdatePayload{
			NodeID: "nodeA",
			Capabilities: []domain.Capability{
				{Type: "llm/chat", NodeID: "nodeA", Kind: domain.CapabilityTool},
			},
		},
	}

	raw, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got Envelope
	if err := Decode(raw, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Sender != original.Sender || got.Seq != original.Seq || got.Type != original.Type {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, original)
	}
	if got.Capability == nil || len(got.Capability.Capabilities) != 1 {
		t.Fatalf("capability payload lost in roundtrip: %+v", got.Capability)
	}
}

func TestEnvelopeHash_DeterministicAndSeqSensitive(t *testing.T) {
	base := Envelope{Sender: "nodeA", Seq: 1, Type: MsgNodeCostUpdate, Cost: &CostUpdatePayload{NodeID: "nodeA"}}
	bumped := base
	bumped.Seq = 2

	h1 := envelopeHash(base)
	h2 := envelopeHash(base)
	if h1 != h2 {
		t.Error("envelopeHash not deterministic for identical input")
	}
	if h1 == envelopeHash(bumped) {
		t.Error("envelopeHash should differ when Seq differs")
	}
}

func TestWireMessage_DigestRoundTrip(t *testing.T) {
	ds := DigestSet{Sender: "nodeA", Digests: []Digest{{NodeID: "nodeB", Seq: 3, Hash: 0xdead}}}
	raw, err := Encode(WireMessage{Kind: WireDigest, Digest: &ds})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got WireMessage
	if err := Decode(raw, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != WireDigest || got.Digest == nil || len(got.Digest.Digests) != 1 {
		t.Fatalf("digest roundtrip mismatch: %+v", got)
	}
}
