package broadcast

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedToken(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(ForegroundChanged)
	defer sub.Close()

	h.ForegroundChanged("aaaa0001")

	select {
	case tok := <-sub.Events():
		if tok != "aaaa0001" {
			t.Fatalf("token = %v, want aaaa0001", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for token")
	}
}

func TestPublishCoalescesWhenSlotOccupied(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(SessionsChanged)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		h.SessionsChanged()
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected at least one coalesced token")
	}

	select {
	case <-sub.Events():
		t.Fatal("expected only one coalesced token, got a second")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockWithoutSubscribers(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		h.PublishSettingsChanged()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestCloseUnregistersListener(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(SessionsChanged)
	sub.Close()
	sub.Close() // idempotent

	h.SessionsChanged()

	select {
	case tok := <-sub.Events():
		t.Fatalf("unexpected token after Close: %v", tok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSeparateTopicsAreIndependent(t *testing.T) {
	h := NewHub()
	sessionsSub := h.Subscribe(SessionsChanged)
	defer sessionsSub.Close()
	fgSub := h.Subscribe(ForegroundChanged)
	defer fgSub.Close()

	h.ForegroundChanged("bbbb0002")

	select {
	case <-sessionsSub.Events():
		t.Fatal("sessions topic received a foreground-changed token")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case tok := <-fgSub.Events():
		if tok != "bbbb0002" {
			t.Fatalf("token = %v, want bbbb0002", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for foreground token")
	}
}
