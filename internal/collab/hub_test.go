package collab

import (
	"encoding/json"
	"testing"
	"time"
)

var cell = LockKey{CounterpartyID: "cpty1", CollateralTypeID: "GOVT", FundID: "fundA"}

func TestAcquireLockFirstWins(t *testing.T) {
	h := NewHub()

	ok, holder := h.AcquireLock(cell, "alice")
	if !ok || holder != "alice" {
		t.Fatalf("first acquire: got (%v, %q)", ok, holder)
	}

	ok, holder = h.AcquireLock(cell, "bob")
	if ok {
		t.Fatal("second session should not steal the lock")
	}
	if holder != "alice" {
		t.Fatalf("loser should learn the holder, got %q", holder)
	}
}

func TestAcquireLockReentrant(t *testing.T) {
	h := NewHub()

	h.AcquireLock(cell, "alice")
	ok, holder := h.AcquireLock(cell, "alice")
	if !ok || holder != "alice" {
		t.Fatalf("re-acquire by the holder should succeed, got (%v, %q)", ok, holder)
	}
}

func TestReleaseLockOnlyByHolder(t *testing.T) {
	h := NewHub()
	h.AcquireLock(cell, "alice")

	if h.ReleaseLock(cell, "bob") {
		t.Fatal("non-holder released the lock")
	}
	if holder, held := h.Holder(cell.CounterpartyID, cell.CollateralTypeID, cell.FundID); !held || holder != "alice" {
		t.Fatalf("lock should survive a bogus release, got (%q, %v)", holder, held)
	}

	if !h.ReleaseLock(cell, "alice") {
		t.Fatal("holder could not release its own lock")
	}
	if _, held := h.Holder(cell.CounterpartyID, cell.CollateralTypeID, cell.FundID); held {
		t.Fatal("lock should be gone after release")
	}

	if h.ReleaseLock(cell, "alice") {
		t.Fatal("releasing an unheld lock should report false")
	}
}

func TestDisconnectReleasesAllSessionLocks(t *testing.T) {
	h := NewHub()
	other := LockKey{CounterpartyID: "cpty2", CollateralTypeID: "CORP", FundID: "fundB"}

	h.AcquireLock(cell, "alice")
	h.AcquireLock(other, "alice")
	kept := LockKey{CounterpartyID: "cpty3", CollateralTypeID: "GOVT", FundID: "fundC"}
	h.AcquireLock(kept, "bob")

	h.releaseSessionLocks("alice")

	if _, held := h.Holder(cell.CounterpartyID, cell.CollateralTypeID, cell.FundID); held {
		t.Fatal("alice's first lock survived disconnect")
	}
	if _, held := h.Holder(other.CounterpartyID, other.CollateralTypeID, other.FundID); held {
		t.Fatal("alice's second lock survived disconnect")
	}
	if holder, held := h.Holder(kept.CounterpartyID, kept.CollateralTypeID, kept.FundID); !held || holder != "bob" {
		t.Fatal("bob's lock should be untouched")
	}
}

func TestBroadcastDoesNotBlockWhenFull(t *testing.T) {
	h := NewHub() // no Run loop draining the channel

	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Broadcast(Event{Type: EventPositionChanged})
	}
	// Reaching here means the overflow was dropped, not blocked on.
	if len(h.broadcast) != cap(h.broadcast) {
		t.Fatalf("buffer should be exactly full, got %d/%d", len(h.broadcast), cap(h.broadcast))
	}
}

func TestRunFansOutToSessionSendChannels(t *testing.T) {
	h := NewHub()
	go h.Run()

	s := &session{id: "s1", send: make(chan []byte, 4)}
	h.register <- s

	h.Broadcast(Event{Type: EventNewTrade, SenderID: "s1"})

	select {
	case data := <-s.send:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("not json: %v", err)
		}
		if evt.Type != EventNewTrade {
			t.Fatalf("expected %s, got %s", EventNewTrade, evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the session")
	}
}

func TestRunDropsSessionWithFullSendBuffer(t *testing.T) {
	h := NewHub()
	go h.Run()

	slow := &session{id: "slow", send: make(chan []byte)} // nobody draining
	h.register <- slow

	h.Broadcast(Event{Type: EventPositionChanged})

	deadline := time.Now().Add(time.Second)
	for {
		h.mu.RLock()
		_, present := h.sessions[slow]
		h.mu.RUnlock()
		if !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slow session was never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := <-slow.send; ok {
		t.Fatal("expected the send channel to be closed, got a message")
	}
}

func TestAcquireLockBroadcastsCellEditing(t *testing.T) {
	h := NewHub()
	h.AcquireLock(cell, "alice")

	data := <-h.broadcast
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("broadcast payload not json: %v", err)
	}
	if evt.Type != EventCellEditing {
		t.Fatalf("expected %s, got %s", EventCellEditing, evt.Type)
	}
	if evt.SenderID != "alice" {
		t.Fatalf("expected sender alice, got %s", evt.SenderID)
	}
}
