package hub

import "testing"

func TestBroadcastFiltersByDoctor(t *testing.T) {
	h := New()
	a := &Client{ID: "a", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-1"}}
	b := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{DoctorID: "doc-2"}}
	all := &Client{ID: "all", Send: make(chan []byte, 1)}
	h.Register(a)
	h.Register(b)
	h.Register(all)

	h.Broadcast([]byte(`{"doctor_id":"doc-1"}`), Subscription{DoctorID: "doc-1"})

	if len(a.Send) != 1 {
		t.Fatal("subscribed client did not receive message")
	}
	if len(b.Send) != 0 {
		t.Fatal("other doctor's client received message")
	}
	if len(all.Send) != 1 {
		t.Fatal("wildcard client did not receive message")
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New()
	c := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(c)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	if len(c.Send) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(c.Send))
	}
	if got := string(<-c.Send); got != "one" {
		t.Fatalf("got %q, want first message kept", got)
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New()
	c := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	if _, open := <-c.Send; open {
		t.Fatal("send channel still open after unregister")
	}
	h.Broadcast([]byte("late"), Subscription{})
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","doctor_id":"doc-9"}`))
	if !ok || msg.DoctorID != "doc-9" {
		t.Fatalf("parse failed: %v %v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"ping"}`)); ok {
		t.Fatal("unknown action accepted")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatal("bad json accepted")
	}
}
