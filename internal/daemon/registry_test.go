package daemon

import (
	"errors"
	"testing"

	"github.com/user/threadrelay/internal/ipc"
)

type fakePusher struct {
	sent []*ipc.Response
	err  error
}

func (p *fakePusher) Send(resp *ipc.Response) error {
	p.sent = append(p.sent, resp)
	return p.err
}

func TestRegistryBindReplaces(t *testing.T) {
	r := NewRegistry()
	old := &fakePusher{}
	next := &fakePusher{}

	r.Bind("ses_a", old)
	r.Bind("ses_a", next)

	if !r.Push("ses_a", &ipc.Response{Type: "message"}) {
		t.Fatal("push after rebind failed")
	}
	if len(old.sent) != 0 || len(next.sent) != 1 {
		t.Errorf("old got %d, next got %d", len(old.sent), len(next.sent))
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryUnbindOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	old := &fakePusher{}
	next := &fakePusher{}
	r.Bind("ses_a", old)
	r.Bind("ses_a", next)

	if r.Unbind("ses_a", old) {
		t.Fatal("stale connection evicted its replacement")
	}
	if !r.Connected("ses_a") {
		t.Fatal("session disconnected by stale unbind")
	}
	if !r.Unbind("ses_a", next) {
		t.Fatal("current connection failed to unbind")
	}
	if r.Connected("ses_a") {
		t.Error("still connected after unbind")
	}
	if r.Unbind("ses_a", next) {
		t.Error("second unbind reported a removal")
	}
}

func TestRegistryPushUnboundAndFailing(t *testing.T) {
	r := NewRegistry()
	if r.Push("ses_none", &ipc.Response{Type: "message"}) {
		t.Fatal("push to unbound session succeeded")
	}

	bad := &fakePusher{err: errors.New("broken pipe")}
	r.Bind("ses_b", bad)
	if r.Push("ses_b", &ipc.Response{Type: "message"}) {
		t.Fatal("push over failing connection reported success")
	}
	if len(bad.sent) != 1 {
		t.Errorf("send attempts = %d, want 1", len(bad.sent))
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry()
	r.Bind("ses_a", &fakePusher{})
	r.Bind("ses_b", &fakePusher{})

	r.Drop("ses_a")
	if r.Connected("ses_a") {
		t.Error("ses_a still connected after drop")
	}
	if !r.Connected("ses_b") {
		t.Error("drop removed the wrong session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}
