package wireframe

// Message type discriminators, spec §6's wire message table.
const (
	TypeNodeAnnouncement       = "node_announcement"
	TypeNodeStatus             = "node_status"
	TypeNodeValidation         = "node_validation"
	TypeNodeValidationResponse = "node_validation_response"
	TypeNodeDiscovery          = "node_discovery"
	TypeNodePing               = "node_ping"
	TypeNodePong               = "node_pong"
	TypeCircuitSignaling       = "circuit_signaling"
	TypeCircuitData            = "circuit_data"
)

// CapabilitiesWire is the JSON shape of peermodel.Capabilities on the wire.
type CapabilitiesWire struct {
	MaxBandwidthBPS float64 `json:"maxBandwidthBps"`
	LatencyMS       float64 `json:"latencyMs"`
	Reliability     float64 `json:"reliability"`
	UptimeMS        int64   `json:"uptimeMs"`
}

// LocationWire is the JSON shape of peermodel.Location on the wire.
type LocationWire struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// NodeAnnouncement is broadcast on startup and periodically while Waiting.
type NodeAnnouncement struct {
	Type      string        `json:"type"`
	NodeID    string        `json:"nodeId"`
	Role      string        `json:"role"`
	Status    string        `json:"status"`
	PublicKey string        `json:"publicKey"` // SPKI, base64
	Location  *LocationWire `json:"location,omitempty"`
}

// NodeStatus is broadcast whenever status or role changes.
type NodeStatus struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
}

// NodeValidation is a unicast admissibility probe.
type NodeValidation struct {
	Type         string `json:"type"`
	NodeID       string `json:"nodeId"`
	TargetNodeID string `json:"targetNodeId"`
	Timestamp    int64  `json:"timestamp"`
}

// NodeValidationResponse answers a NodeValidation.
type NodeValidationResponse struct {
	Type         string           `json:"type"`
	NodeID       string           `json:"nodeId"`
	TargetNodeID string           `json:"targetNodeId"`
	Timestamp    int64            `json:"timestamp"`
	Status       string           `json:"status"`
	Capabilities CapabilitiesWire `json:"capabilities"`
}

// NodeDiscovery asks the network to identify peers meeting a requirement.
type NodeDiscovery struct {
	Type         string           `json:"type"`
	RequestID    string           `json:"requestId"`
	Capabilities CapabilitiesWire `json:"capabilities"`
}

// NodePing/NodePong measure round-trip latency.
type NodePing struct {
	Type         string `json:"type"`
	NodeID       string `json:"nodeId"`
	TargetNodeID string `json:"targetNodeId"`
	Timestamp    int64  `json:"timestamp"`
}

type NodePong struct {
	Type         string `json:"type"`
	NodeID       string `json:"nodeId"`
	TargetNodeID string `json:"targetNodeId"`
	Timestamp    int64  `json:"timestamp"`
}

// CircuitSignaling carries one encrypted establishment record or link-open
// confirmation, unicast over the signaling bus to the node it is addressed
// to. NodeID identifies the sender so the recipient can address a reply —
// spec.md's wire table lists only targetNodeId, but every other unicast
// message in the table carries a sender id too (nodeId); circuit_signaling
// needs the same to let a hop reply to whichever node established it.
type CircuitSignaling struct {
	Type          string `json:"type"`
	NodeID        string `json:"nodeId"`
	TargetNodeID  string `json:"targetNodeId"`
	EncryptedData string `json:"encryptedData"` // base64
	EncryptedKey  string `json:"encryptedKey"`   // base64
	IV            []byte `json:"iv"`             // 12 bytes
}

// Discriminators for the plaintext CircuitSignaling recovers once
// decrypted — an establishment request flows hop-ward, a confirmation
// flows back to the circuit's originator.
const (
	CircuitSignalingKindEstablish = "establish"
	CircuitSignalingKindConfirm   = "confirm"
)

// CircuitSignalingPayload is the plaintext inside a decrypted
// CircuitSignaling envelope.
type CircuitSignalingPayload struct {
	Kind         string                `json:"kind"`
	Record       *EstablishmentRecord  `json:"record,omitempty"`
	Confirmation *LinkOpenConfirmation `json:"confirmation,omitempty"`
}

// CircuitData carries one onion-wrapped payload over a peer link.
type CircuitData struct {
	Type      string   `json:"type"`
	CircuitID string   `json:"circuitId"`
	Data      string   `json:"data"` // base64
	Keys      []string `json:"keys"` // base64 array
	IVs       [][]byte `json:"ivs"`  // 12-byte arrays
}

// EstablishmentRecord is the plaintext a hop recovers after decrypting a
// CircuitSignaling envelope under its long-term private key (spec §4.4
// step 4). Each hop learns only its neighbors, never the full path.
type EstablishmentRecord struct {
	CircuitID        string `json:"circuitId"`
	HopIndex         int    `json:"hopIndex"`
	PreviousHopID    string `json:"previousHopId,omitempty"`
	NextHopID        string `json:"nextHopId,omitempty"`
	NextHopPublicKey string `json:"nextHopPublicKey,omitempty"` // SPKI, base64
}

// LinkOpenConfirmation is returned by a hop once it has generated its
// ephemeral circuit key pair and is ready to relay (spec §3's resolution
// of ephemeral key ownership: generated by the hop, not the originator).
type LinkOpenConfirmation struct {
	CircuitID          string `json:"circuitId"`
	HopIndex           int    `json:"hopIndex"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"` // SPKI, base64
}
