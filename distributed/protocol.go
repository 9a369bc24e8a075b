// Package distributed implements the Manager/Worker coordinator: a Builder
// that supports builder.Prechunker can be split into n chunks and run
// across a fleet of Workers, each driving its chunk through a local
// executor.Run, over one of two interchangeable bus dialects (WebSocket or
// AMQP). Manager and Worker code never branches on dialect; both speak the
// same READY/CHUNK/EXIT/HEARTBEAT/DONE/FAILED wire protocol against the
// Transport abstraction in bus.go.
package distributed

import "maggma.dev/builder"

// MessageType is the self-describing tag every wire Message carries, per
// spec.md's "messages are self-describing maps with a type field".
type MessageType string

const (
	MsgReady     MessageType = "READY"
	MsgChunk     MessageType = "CHUNK"
	MsgExit      MessageType = "EXIT"
	MsgHeartbeat MessageType = "HEARTBEAT"
	MsgDone      MessageType = "DONE"
	MsgFailed    MessageType = "FAILED"
)

// Message is the single envelope shape carried over either bus dialect.
// Fields not meaningful to a given Type are left zero; json/yaml omitempty
// keeps the wire form compact, matching the teacher's WSMessage envelope.
type Message struct {
	Type MessageType `json:"type" yaml:"type"`

	// WorkerID identifies the sending (or addressed) Worker. Set on
	// every message except a Manager broadcast EXIT, which is
	// addressed to all Workers at once.
	WorkerID string `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`

	// WorkerCount is declared by a Worker in every READY.
	WorkerCount int `json:"worker_count,omitempty" yaml:"worker_count,omitempty"`

	// ChunkIndex/TotalChunks/BuilderName/Override fill a CHUNK message.
	ChunkIndex  int           `json:"chunk_index,omitempty" yaml:"chunk_index,omitempty"`
	TotalChunks int           `json:"total_chunks,omitempty" yaml:"total_chunks,omitempty"`
	BuilderName string        `json:"builder,omitempty" yaml:"builder,omitempty"`
	Override    builder.Chunk `json:"override,omitempty" yaml:"override,omitempty"`

	// Error carries a FAILED message's error text.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Envelope pairs an inbound Message with the logical sender address the
// Transport resolved it to. Manager uses From to route CHUNK/EXIT replies
// and to key its in-flight chunk table; Worker ignores From, since it has
// exactly one peer.
type Envelope struct {
	From    string
	Message Message
}
