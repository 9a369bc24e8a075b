package distributed

import "context"

// Transport is the opaque bus capability Manager and Worker run against.
// Both dialects (WSBus's point-to-multipoint socket pair and AMQPBus's
// queue-broker) implement it identically, so the coordination logic in
// manager.go/worker.go never inspects which dialect it was given, per the
// REDESIGN FLAGS guidance to treat the bus as an opaque capability.
type Transport interface {
	// Send addresses one Message to a specific peer (a Worker's
	// WorkerID from the Manager side, or the Manager itself from the
	// Worker side, where "to" is ignored).
	Send(ctx context.Context, to string, msg Message) error

	// Broadcast addresses a Message to every currently known peer. Used
	// for EXIT at shutdown.
	Broadcast(ctx context.Context, msg Message) error

	// Receive blocks for the next inbound Envelope, or returns ctx.Err()
	// if ctx is done first.
	Receive(ctx context.Context) (Envelope, error)

	// Close releases the transport's underlying connection(s).
	Close() error
}

// highWaterMark sizes a send-queue buffer to spec.md's
// max(num_chunks, num_workers) * 2, so that the bus never silently drops
// a control message under burst.
func highWaterMark(numChunks, numWorkers int) int {
	n := numChunks
	if numWorkers > n {
		n = numWorkers
	}
	if n <= 0 {
		n = 1
	}
	return n * 2
}
