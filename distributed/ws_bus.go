package distributed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSBus is the point-to-multipoint socket-pair dialect, grounded on
// coordinator/coordinator.go's dial/reconnect/ping-pong Coordinator and
// coordinator/messages.go's tagged WSMessage envelope. WSManagerTransport
// is the hub (accepts one connection per Worker); WSWorkerTransport is the
// spoke (dials the Manager's published control endpoint and reconnects
// with backoff on drop).
const (
	wsPingInterval = 25 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	workerID string
	conn     *websocket.Conn
	sendCh   chan Message
	closeOnce sync.Once
}

func (c *wsConn) writePump(logger *logrus.Entry) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.WithError(err).Warn("ws write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.sendCh)
		c.conn.Close()
	})
}

// WSManagerTransport is a Manager-side Transport: an http.Server accepting
// one websocket connection per Worker, multiplexed into a single inbound
// Envelope stream keyed by the WorkerID each Worker declares in its first
// READY.
type WSManagerTransport struct {
	server *http.Server
	logger *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*wsConn

	inbox chan Envelope
	hwm   int

	listenErr chan error
}

// NewWSManagerTransport starts an HTTP server on addr that upgrades every
// incoming request to a websocket connection. hwm sizes each Worker's
// outbound send buffer (see highWaterMark).
func NewWSManagerTransport(addr string, hwm int, logger *logrus.Entry) *WSManagerTransport {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if hwm <= 0 {
		hwm = 2
	}
	t := &WSManagerTransport{
		conns:     make(map[string]*wsConn),
		inbox:     make(chan Envelope, hwm),
		hwm:       hwm,
		logger:    logger,
		listenErr: make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		t.listenErr <- t.server.ListenAndServe()
	}()
	return t
}

func (t *WSManagerTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	var wc *wsConn
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if wc != nil {
				t.removeConn(wc.workerID)
			}
			conn.Close()
			return
		}
		if wc == nil {
			if msg.WorkerID == "" {
				t.logger.Warn("dropped first message with no worker_id")
				continue
			}
			wc = &wsConn{workerID: msg.WorkerID, conn: conn, sendCh: make(chan Message, t.hwm)}
			t.mu.Lock()
			t.conns[wc.workerID] = wc
			t.mu.Unlock()
			go wc.writePump(t.logger)
		}
		t.inbox <- Envelope{From: wc.workerID, Message: msg}
	}
}

func (t *WSManagerTransport) removeConn(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[workerID]; ok {
		c.close()
		delete(t.conns, workerID)
	}
}

func (t *WSManagerTransport) Send(ctx context.Context, to string, msg Message) error {
	t.mu.RLock()
	c, ok := t.conns[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection for worker %q", to)
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WSManagerTransport) Broadcast(ctx context.Context, msg Message) error {
	t.mu.RLock()
	targets := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		targets = append(targets, c)
	}
	t.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.sendCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *WSManagerTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *WSManagerTransport) Close() error {
	t.mu.Lock()
	for id, c := range t.conns {
		c.close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
	return t.server.Close()
}

// WSWorkerTransport is a Worker-side Transport: a single reconnecting
// websocket client dialing the Manager's control endpoint, mirroring
// coordinator/coordinator.go's connectionLoop/readLoop/senderLoop split.
type WSWorkerTransport struct {
	url      string
	workerID string
	logger   *logrus.Entry

	mu   sync.Mutex
	conn *websocket.Conn

	sendCh chan Message
	inbox  chan Envelope
	done   chan struct{}

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewWSWorkerTransport dials url and begins the reconnect-with-backoff
// connection loop in the background. workerID is stamped on nothing here;
// Worker includes it on each outgoing Message itself.
func NewWSWorkerTransport(url, workerID string, hwm int, logger *logrus.Entry) *WSWorkerTransport {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if hwm <= 0 {
		hwm = 2
	}
	t := &WSWorkerTransport{
		url:            url,
		workerID:       workerID,
		logger:         logger,
		sendCh:         make(chan Message, hwm),
		inbox:          make(chan Envelope, hwm),
		done:           make(chan struct{}),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
	go t.connectionLoop()
	return t
}

func (t *WSWorkerTransport) connectionLoop() {
	backoff := t.initialBackoff
	for {
		select {
		case <-t.done:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			t.logger.WithError(err).WithField("backoff", backoff).Warn("websocket dial failed, retrying")
			select {
			case <-time.After(backoff):
			case <-t.done:
				return
			}
			backoff *= 2
			if backoff > t.maxBackoff {
				backoff = t.maxBackoff
			}
			continue
		}
		backoff = t.initialBackoff
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.runConnection(conn)
	}
}

func (t *WSWorkerTransport) runConnection(conn *websocket.Conn) {
	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case t.inbox <- Envelope{Message: msg}:
			case <-t.done:
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-t.sendCh:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				<-connDone
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				<-connDone
				return
			}
		case <-connDone:
			return
		case <-t.done:
			conn.Close()
			return
		}
	}
}

func (t *WSWorkerTransport) Send(ctx context.Context, to string, msg Message) error {
	select {
	case t.sendCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return fmt.Errorf("transport closed")
	}
}

func (t *WSWorkerTransport) Broadcast(ctx context.Context, msg Message) error {
	return t.Send(ctx, "", msg)
}

func (t *WSWorkerTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *WSWorkerTransport) Close() error {
	close(t.done)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
