package vbstore

import (
	"net"
	"testing"
	"time"

	"github.com/daverigby/vbstore/internal/docstore/docstoretest"
	"github.com/daverigby/vbstore/internal/logging"
	"github.com/daverigby/vbstore/internal/notifier/notifiertest"
)

// newTestEngine returns an Engine rooted at a fresh temp directory,
// backed by an in-memory docstore, with its notifier channel dialing an
// in-process fake peer. nextServer yields the server half of each
// (re)connect, in dial order.
func newTestEngine(t *testing.T) (*Engine, *docstoretest.MemOpener, func() *notifiertest.FakeServer) {
	t.Helper()

	opener := docstoretest.NewMemOpener()
	cfg := Config{
		Dbname:                  t.TempDir(),
		CouchHost:               "ignored",
		CouchPort:               0,
		CouchBucket:             "default",
		CouchResponseTimeout:    5 * time.Second,
		CouchReconnectSleeptime: time.Millisecond,
	}
	eng := New(cfg, opener, logging.Discard)
	eng.SetNotifierAbortFunc(func(string) {})

	dialCh := make(chan net.Conn, 8)
	eng.SetNotifierDialer(func(network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		dialCh <- server
		return client, nil
	})

	nextServer := func() *notifiertest.FakeServer {
		return notifiertest.New(<-dialCh)
	}
	return eng, opener, nextServer
}

// acceptOneNotify drains the select_bucket handshake (so srv must be a
// fresh connection) and the single subsequent request, responding with
// status, and returns the request's vbid/opaque for assertions.
func acceptOneNotify(t *testing.T, srv *notifiertest.FakeServer, status uint16) notifiertest.Request {
	t.Helper()
	if err := srv.AcceptAndSelectBucket(); err != nil {
		t.Fatalf("select_bucket: %v", err)
	}
	req, err := srv.RecvFrame()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := srv.Respond(req.Opaque, status); err != nil {
		t.Fatalf("respond: %v", err)
	}
	return req
}
