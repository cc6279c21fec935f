// Package notifiertest provides a minimal fake peer for the notifier's
// binary protocol, used by tests above internal/notifier that only have
// access to the exported Channel/Status API (e.g. the root package's
// coordinator tests).
package notifiertest

import (
	"encoding/binary"
	"fmt"
	"net"
)

const headerSize = 24

// Request is a decoded incoming frame's header fields; extras/key/value
// bytes are not needed by the coordinator-level tests this package
// serves.
type Request struct {
	Op     uint8
	Vbid   uint16
	Opaque uint32
}

// FakeServer is the server half of an in-process connection; the test
// scripts every exchange, starting with AcceptAndSelectBucket.
type FakeServer struct {
	conn net.Conn
	buf  []byte
}

// New wraps conn, the server-side net.Conn handed back by a test Dialer.
func New(conn net.Conn) *FakeServer {
	return &FakeServer{conn: conn}
}

// Close closes the underlying connection, simulating a server-initiated
// drop.
func (f *FakeServer) Close() error { return f.conn.Close() }

// RecvFrame blocks until one complete request frame is available.
func (f *FakeServer) RecvFrame() (Request, error) {
	tmp := make([]byte, 4096)
	for {
		if req, consumed, ok := tryDecode(f.buf); ok {
			f.buf = f.buf[consumed:]
			return req, nil
		}
		n, err := f.conn.Read(tmp)
		if err != nil {
			return Request{}, err
		}
		f.buf = append(f.buf, tmp[:n]...)
	}
}

func tryDecode(buf []byte) (Request, int, bool) {
	if len(buf) < headerSize {
		return Request{}, 0, false
	}
	bodyLen := int(binary.BigEndian.Uint32(buf[8:12]))
	total := headerSize + bodyLen
	if len(buf) < total {
		return Request{}, 0, false
	}
	return Request{
		Op:     buf[1],
		Vbid:   binary.BigEndian.Uint16(buf[6:8]),
		Opaque: binary.BigEndian.Uint32(buf[12:16]),
	}, total, true
}

// Respond sends a response frame with the given status for opaque.
func (f *FakeServer) Respond(opaque uint32, status uint16) error {
	buf := make([]byte, headerSize)
	buf[0] = 0x81 // magicResponse
	binary.BigEndian.PutUint16(buf[6:8], status)
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	if _, err := f.conn.Write(buf); err != nil {
		return fmt.Errorf("notifiertest: write response: %w", err)
	}
	return nil
}

// AcceptAndSelectBucket drains the automatic select_bucket handshake
// every (re)connect performs and answers it with SUCCESS (status 0).
func (f *FakeServer) AcceptAndSelectBucket() error {
	req, err := f.RecvFrame()
	if err != nil {
		return err
	}
	const opSelectBucket = 0x89
	if req.Op != opSelectBucket {
		return fmt.Errorf("notifiertest: expected select_bucket, got opcode %#x", req.Op)
	}
	return f.Respond(req.Opaque, 0)
}
