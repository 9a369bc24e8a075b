package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPBus is the queue-broker work-queue dialect, grounded on
// queue/rabbit.go's connect/declare/publish lifecycle and
// queue/amqp_interface.go's dialer-injection pattern (mirrored here as the
// Dial field so tests can substitute a fake dialer without a broker).
//
// Topology: CHUNK/EXIT directives Manager addresses to "any free Worker"
// are published onto one durable work queue (maggma.chunks); AMQP's
// competing-consumer fairness does the READY-based load balancing the
// socket dialect does explicitly. READY/HEARTBEAT/DONE/FAILED, which only
// the Manager ever needs to see, are published onto a second durable queue
// (maggma.control). A final broadcast EXIT additionally goes out over a
// fanout exchange (maggma.broadcast) so every Worker sees it promptly,
// including ones mid-chunk with nothing queued to consume.
const (
	chunksQueueName   = "maggma.chunks"
	controlQueueName  = "maggma.control"
	broadcastExchange = "maggma.broadcast"
)

// Dialer abstracts amqp.Dial for injection in tests, mirroring
// queue/amqp_interface.go's AMQPDialer.
type Dialer func(url string) (*amqp.Connection, error)

func defaultDialer(url string) (*amqp.Connection, error) { return amqp.Dial(url) }

type amqpCore struct {
	conn *amqp.Channel
	rawConn *amqp.Connection
}

func dialAMQP(url string, dial Dialer) (*amqpCore, error) {
	if dial == nil {
		dial = defaultDialer
	}
	conn, err := dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(chunksQueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare chunks queue: %w", err)
	}
	if _, err := ch.QueueDeclare(controlQueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare control queue: %w", err)
	}
	if err := ch.ExchangeDeclare(broadcastExchange, "fanout", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare broadcast exchange: %w", err)
	}
	return &amqpCore{conn: ch, rawConn: conn}, nil
}

func publishJSON(ch *amqp.Channel, exchange, routingKey string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// AMQPManagerTransport is the Manager-side AMQPBus endpoint: it publishes
// CHUNK/per-Ready-EXIT onto the shared chunks work queue, publishes the
// final broadcast EXIT onto the fanout exchange, and consumes the control
// queue for inbound READY/HEARTBEAT/DONE/FAILED.
type AMQPManagerTransport struct {
	core     *amqpCore
	deliver  <-chan amqp.Delivery
	logger   *logrus.Entry
	closeOnce sync.Once
}

// NewAMQPManagerTransport connects to url and begins consuming the control
// queue.
func NewAMQPManagerTransport(url string, dial Dialer, logger *logrus.Entry) (*AMQPManagerTransport, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	core, err := dialAMQP(url, dial)
	if err != nil {
		return nil, err
	}
	deliveries, err := core.conn.Consume(controlQueueName, "maggma-manager", true, false, false, false, nil)
	if err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("consume control queue: %w", err)
	}
	return &AMQPManagerTransport{core: core, deliver: deliveries, logger: logger}, nil
}

func (t *AMQPManagerTransport) Send(ctx context.Context, to string, msg Message) error {
	if msg.Type == MsgExit {
		// Per-Ready EXIT: whichever Worker next dequeues the chunks
		// queue receives it, same fairness as a real CHUNK.
		return publishJSON(t.core.conn, "", chunksQueueName, msg)
	}
	return publishJSON(t.core.conn, "", chunksQueueName, msg)
}

func (t *AMQPManagerTransport) Broadcast(ctx context.Context, msg Message) error {
	return publishJSON(t.core.conn, broadcastExchange, "", msg)
}

func (t *AMQPManagerTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case d, ok := <-t.deliver:
		if !ok {
			return Envelope{}, fmt.Errorf("amqp control queue closed")
		}
		var msg Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal control message: %w", err)
		}
		return Envelope{From: msg.WorkerID, Message: msg}, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *AMQPManagerTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.core.conn.Close()
		err = t.core.rawConn.Close()
	})
	return err
}

// AMQPWorkerTransport is the Worker-side AMQPBus endpoint: it publishes
// READY/HEARTBEAT/DONE/FAILED onto the control queue and consumes both the
// shared chunks work queue and its own exclusive fanout-bound queue for
// broadcast EXIT.
type AMQPWorkerTransport struct {
	core      *amqpCore
	workerID  string
	chunkCh   <-chan amqp.Delivery
	exitCh    <-chan amqp.Delivery
	logger    *logrus.Entry
	closeOnce sync.Once
}

// NewAMQPWorkerTransport connects to url, begins consuming the chunks
// queue with prefetch 1 (one in-flight chunk per Worker process, matching
// the single-process Executor's own serialization of a Builder), and
// declares a private queue bound to the broadcast fanout exchange.
func NewAMQPWorkerTransport(url, workerID string, dial Dialer, logger *logrus.Entry) (*AMQPWorkerTransport, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	core, err := dialAMQP(url, dial)
	if err != nil {
		return nil, err
	}
	if err := core.conn.Qos(1, 0, false); err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	chunkCh, err := core.conn.Consume(chunksQueueName, "maggma-worker-"+workerID, true, false, false, false, nil)
	if err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("consume chunks queue: %w", err)
	}
	exitQueue, err := core.conn.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("declare private exit queue: %w", err)
	}
	if err := core.conn.QueueBind(exitQueue.Name, "", broadcastExchange, false, nil); err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("bind private exit queue: %w", err)
	}
	exitCh, err := core.conn.Consume(exitQueue.Name, "maggma-worker-exit-"+workerID, true, false, true, false, nil)
	if err != nil {
		core.conn.Close()
		core.rawConn.Close()
		return nil, fmt.Errorf("consume private exit queue: %w", err)
	}
	return &AMQPWorkerTransport{core: core, workerID: workerID, chunkCh: chunkCh, exitCh: exitCh, logger: logger}, nil
}

func (t *AMQPWorkerTransport) Send(ctx context.Context, to string, msg Message) error {
	if msg.WorkerID == "" {
		msg.WorkerID = t.workerID
	}
	return publishJSON(t.core.conn, "", controlQueueName, msg)
}

func (t *AMQPWorkerTransport) Broadcast(ctx context.Context, msg Message) error {
	return t.Send(ctx, "", msg)
}

func (t *AMQPWorkerTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case d, ok := <-t.chunkCh:
		if !ok {
			return Envelope{}, fmt.Errorf("amqp chunks queue closed")
		}
		var msg Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal chunk message: %w", err)
		}
		return Envelope{Message: msg}, nil
	case d, ok := <-t.exitCh:
		if !ok {
			return Envelope{}, fmt.Errorf("amqp exit queue closed")
		}
		var msg Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal exit message: %w", err)
		}
		return Envelope{Message: msg}, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *AMQPWorkerTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.core.conn.Close()
		err = t.core.rawConn.Close()
	})
	return err
}
