// Package notifier implements the sequenced binary request/response
// channel to the compaction manager: a single persistent TCP
// connection, FIFO handler matching with implicit-response handling
// for skipped sequence numbers, and reconnect-with-synthetic-ETMPFAIL
// semantics. Grounded on the couchbase client library's memcached
// binary-protocol framing (opcode/extras/opaque parsing) and a
// big-endian wire-encoding idiom.
package notifier

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daverigby/vbstore/internal/logging"
)

// ErrShutdown is returned by a call issued after Shutdown.
var ErrShutdown = errors.New("notifier: channel is shutting down")

// StatsSink receives counters about notifier activity. A weak
// collaborator: the channel holds a reference to it, not a
// pointer back into the whole engine.
type StatsSink interface {
	IncrNotifierReconnects()
	IncrNotifierRetries()
}

type noopStats struct{}

func (noopStats) IncrNotifierReconnects() {}
func (noopStats) IncrNotifierRetries()    {}

// Config carries the subset of host configuration the notifier channel
// consumes.
type Config struct {
	Host                        string
	Port                        int
	Bucket                      string
	ResponseTimeout             time.Duration
	ReconnectSleep              time.Duration
	AllowDataLossDuringShutdown bool
}

// Dialer opens the TCP connection; overridable in tests.
type Dialer func(network, address string) (net.Conn, error)

type connState int32

const (
	stateDisconnected connState = iota
	stateReady
)

type pendingHandler struct {
	seqno    uint32
	resultCh chan result
}

type result struct {
	status Status
	// resetArtifact marks a synthetic response manufactured because the
	// connection was reset while this request was outstanding. The
	// public call loop treats this as wait_once returning false: it
	// regenerates the request with a fresh seqno and retries, rather
	// than surfacing it as a genuine ETMPFAIL.
	resetArtifact bool
	// implicit marks a response delivered because the server replied to
	// a later seqno first, per the FIFO implicit-response rule.
	implicit bool
}

// Channel is a single persistent connection to the compaction manager.
// All exported methods are safe for concurrent use, since the
// coordinator's own single-writer discipline does not extend to the
// notifier's socket.
type Channel struct {
	cfg    Config
	logger logging.Logger
	stats  StatsSink
	dial   Dialer
	abort  func(reason string)

	mu                sync.Mutex
	conn              net.Conn
	state             connState
	handlers          []*pendingHandler
	nextSeqno         uint32
	needsSelectBucket bool

	shutdown atomic.Bool
}

// New returns a Channel that lazily connects on the first call.
func New(cfg Config, logger logging.Logger, stats StatsSink) *Channel {
	if stats == nil {
		stats = noopStats{}
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &Channel{
		cfg:               cfg,
		logger:            logger,
		stats:             stats,
		dial:              net.Dial,
		abort:             func(reason string) { os.Exit(1) },
		needsSelectBucket: true,
	}
}

// SetDialer overrides how the channel opens its TCP connection; used by
// tests to point at an in-process listener.
func (c *Channel) SetDialer(d Dialer) { c.dial = d }

// SetAbortFunc overrides the process-abort hook invoked on shutdown
// when the parent has died and data loss is permitted; tests must
// override this to avoid killing the test binary.
func (c *Channel) SetAbortFunc(f func(reason string)) { c.abort = f }

// Shutdown stops the reconnect loop and releases any in-flight waiters
// with a reset. No further calls should be issued after Shutdown.
func (c *Channel) Shutdown() {
	c.shutdown.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Flush issues the global flush command (used by Engine.Reset).
func (c *Channel) Flush() (Status, error) {
	return c.call(opFlush, 0, nil, nil, nil)
}

// DelVBucket asks the compaction manager to drop a vbucket's file.
func (c *Channel) DelVBucket(vbid uint16) (Status, error) {
	return c.call(opDelVBucket, vbid, nil, nil, nil)
}

// NotifyVBucketUpdate reports a state change plus header position.
func (c *Channel) NotifyVBucketUpdate(vbid uint16, fileVersion, headerOffset uint64, stateUpdated bool, state uint32, checkpoint uint64) (Status, error) {
	body := notifyVBucketUpdateBody(fileVersion, headerOffset, stateUpdated, state, checkpoint)
	return c.call(opNotifyVBucketUpdate, vbid, nil, nil, body)
}

// NotifyHeaderposUpdate reports a new committed header position.
func (c *Channel) NotifyHeaderposUpdate(vbid uint16, fileVersion, headerOffset uint64) (Status, error) {
	body := notifyHeaderposUpdateBody(fileVersion, headerOffset)
	return c.call(opNotifyHeaderposUpdate, vbid, nil, nil, body)
}

// call implements a "serialize → send_command → wait_once in a loop
// until wait_once returns true" pattern. Any non-success, non-ETMPFAIL,
// non-not-found status is a NotifierFatal condition: it is logged through
// the logger's Fatalf and returned as the status with a nil error, so the
// caller decides how to escalate it.
func (c *Channel) call(op opcode, vbid uint16, extras, key, value []byte) (Status, error) {
	for {
		if c.shutdown.Load() {
			return 0, ErrShutdown
		}

		resultCh, err := c.dispatch(op, vbid, extras, key, value)
		if err != nil {
			return 0, err
		}

		res := <-resultCh
		if res.resetArtifact || res.implicit {
			c.stats.IncrNotifierRetries()
			continue
		}

		switch res.status {
		case StatusSuccess, StatusTmpFail, StatusNotFound:
			return res.status, nil
		default:
			ferr := fmt.Errorf("notifier: fatal status %s for opcode %#x", res.status, byte(op))
			c.logger.Fatalf("%s%v", logging.NSNotifier, ferr)
			return res.status, nil
		}
	}
}

// dispatch ensures the connection is ready, registers a handler for a
// fresh seqno, and writes the frame.
func (c *Channel) dispatch(op opcode, vbid uint16, extras, key, value []byte) (chan result, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	seqno := c.nextSeqno
	c.nextSeqno++
	ch := make(chan result, 1)
	c.handlers = append(c.handlers, &pendingHandler{seqno: seqno, resultCh: ch})
	conn := c.conn
	c.mu.Unlock()

	frame := encodeRequest(op, vbid, seqno, extras, key, value)
	if _, err := conn.Write(frame); err != nil {
		c.resetConnection(conn, err)
		return ch, nil
	}
	return ch, nil
}

// ensureConnected blocks until the connection is ready or shutdown is
// requested, driving a disconnected→connecting→ready machine and the
// abort-on-orphaned-shutdown policy.
func (c *Channel) ensureConnected() error {
	c.mu.Lock()
	ready := c.state == stateReady && c.conn != nil
	c.mu.Unlock()
	if ready {
		return nil
	}

	for {
		if c.shutdown.Load() {
			if c.cfg.AllowDataLossDuringShutdown && os.Getppid() == 1 {
				c.abort("notifier: parent died during shutdown with allow_data_loss_during_shutdown set")
			}
			return ErrShutdown
		}

		conn, err := c.dial("tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
		if err != nil {
			c.logger.Warnf("%sconnect %s:%d failed: %v", logging.NSNotifier, c.cfg.Host, c.cfg.Port, err)
			time.Sleep(c.cfg.ReconnectSleep)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = stateReady
		c.handlers = nil
		c.mu.Unlock()

		go c.readLoop(conn)
		c.stats.IncrNotifierReconnects()

		if err := c.selectBucketHandshake(conn); err != nil {
			c.resetConnection(conn, err)
			time.Sleep(c.cfg.ReconnectSleep)
			continue
		}
		return nil
	}
}

// selectBucketHandshake sends select_bucket on a freshly dialed
// connection and blocks for its response, re-establishing server-side
// bucket context before any other command is allowed to proceed.
func (c *Channel) selectBucketHandshake(conn net.Conn) error {
	c.mu.Lock()
	seqno := c.nextSeqno
	c.nextSeqno++
	ch := make(chan result, 1)
	c.handlers = append(c.handlers, &pendingHandler{seqno: seqno, resultCh: ch})
	c.mu.Unlock()

	frame := encodeRequest(opSelectBucket, 0, seqno, nil, selectBucketKey(c.cfg.Bucket), nil)
	if _, err := conn.Write(frame); err != nil {
		return err
	}

	res := <-ch
	if res.resetArtifact {
		return errors.New("notifier: connection reset during select_bucket handshake")
	}
	if res.status != StatusSuccess {
		return fmt.Errorf("notifier: select_bucket failed: %s", res.status)
	}
	return nil
}

// readLoop reads frames off conn until it errors or is superseded by a
// reset, dispatching each complete frame to its handler. The 1-second
// read deadline polls cfg.ResponseTimeout without a manual non-blocking
// I/O loop.
func (c *Channel) readLoop(conn net.Conn) {
	var buf []byte
	tmp := make([]byte, 4096)
	lastActivity := time.Now()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(tmp)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if c.cfg.ResponseTimeout > 0 && time.Since(lastActivity) > c.cfg.ResponseTimeout {
					c.resetConnection(conn, errors.New("notifier: response timeout"))
					return
				}
				continue
			}
			c.resetConnection(conn, err)
			return
		}

		lastActivity = time.Now()
		buf = append(buf, tmp[:n]...)

		for {
			p, consumed, ok, derr := tryDecodeFrame(buf)
			if derr != nil {
				c.resetConnection(conn, derr)
				return
			}
			if !ok {
				break
			}
			buf = buf[consumed:]
			c.dispatchResponse(p)
		}
	}
}

// dispatchResponse matches a response frame to its handler by opaque,
// delivering implicit_response to any earlier, unanswered handlers
// under the FIFO rule.
func (c *Channel) dispatchResponse(p packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	for i < len(c.handlers) && c.handlers[i].seqno < p.opaque {
		c.handlers[i].resultCh <- result{implicit: true}
		i++
	}
	c.handlers = c.handlers[i:]

	if len(c.handlers) > 0 && c.handlers[0].seqno == p.opaque {
		h := c.handlers[0]
		c.handlers = c.handlers[1:]
		h.resultCh <- result{status: Status(p.vbucketOrStatus)}
	}
	// seqno > opaque never happens: handlers are only created in send
	// order and the server cannot reply to a request it hasn't seen.
}

// resetConnection tears down conn (if it is still the current
// connection) and drains the handler list with synthetic ETMPFAIL
// results before a reconnect is attempted.
func (c *Channel) resetConnection(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateDisconnected
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	_ = conn.Close()
	for _, h := range handlers {
		h.resultCh <- result{status: StatusTmpFail, resetArtifact: true}
	}
	if cause != nil {
		c.logger.Warnf("%sconnection reset: %v", logging.NSNotifier, cause)
	}
}
