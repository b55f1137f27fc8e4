package matchmaker

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type waiter struct {
	id     string
	closed atomic.Bool
}

func (w *waiter) ID() string   { return w.id }
func (w *waiter) Closed() bool { return w.closed.Load() }

func TestEnqueuePairsInArrivalOrder(t *testing.T) {
	m := New(time.Minute)
	a, b, c := &waiter{id: "a"}, &waiter{id: "b"}, &waiter{id: "c"}

	if p := m.Enqueue(a); p != nil {
		t.Fatalf("first waiter must queue")
	}
	p := m.Enqueue(b)
	if p == nil || p.White != a || p.Black != b || p.RoomCode != "" {
		t.Fatalf("unexpected pairing %+v", p)
	}
	if q, _ := m.Stats(); q != 0 {
		t.Fatalf("queue not drained: %d", q)
	}
	if m.Enqueue(c) != nil {
		t.Fatalf("third waiter must queue")
	}
}

func TestEnqueueSkipsClosedHead(t *testing.T) {
	m := New(time.Minute)
	gone, live, next := &waiter{id: "gone"}, &waiter{id: "live"}, &waiter{id: "next"}
	m.Enqueue(gone)
	gone.closed.Store(true)
	if p := m.Enqueue(live); p != nil {
		t.Fatalf("closed head must not be paired: %+v", p)
	}
	if p := m.Enqueue(next); p == nil || p.White != live {
		t.Fatalf("expected live waiter to be paired, got %+v", p)
	}
}

func TestRequeueReplacesPreviousRequest(t *testing.T) {
	m := New(time.Minute)
	a := &waiter{id: "a"}
	m.Enqueue(a)
	if p := m.Enqueue(a); p != nil {
		t.Fatalf("a waiter must never be paired with itself")
	}
	if q, _ := m.Stats(); q != 1 {
		t.Fatalf("queue holds duplicates: %d", q)
	}

	code, err := m.CreateRoom(a)
	if err != nil {
		t.Fatal(err)
	}
	if q, r := m.Stats(); q != 0 || r != 1 {
		t.Fatalf("create_room must replace the queue entry: q=%d r=%d", q, r)
	}
	code2, err := m.CreateRoom(a)
	if err != nil {
		t.Fatal(err)
	}
	if _, r := m.Stats(); r != 1 {
		t.Fatalf("second room must replace the first: %d rooms", r)
	}
	if code != code2 {
		if _, err := m.JoinRoom(&waiter{id: "b"}, code); !errors.Is(err, ErrRoomNotFound) {
			t.Fatalf("replaced room still joinable: %v", err)
		}
	}
}

func TestRoomLifecycle(t *testing.T) {
	m := New(time.Minute)
	creator, joiner := &waiter{id: "creator"}, &waiter{id: "joiner"}
	code, err := m.CreateRoom(creator)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{6}$`).MatchString(code) {
		t.Fatalf("bad code %q", code)
	}

	if _, err := m.JoinRoom(creator, code); !errors.Is(err, ErrOwnRoom) {
		t.Fatalf("expected ErrOwnRoom, got %v", err)
	}
	if _, r := m.Stats(); r != 1 {
		t.Fatalf("own-room join must leave the room pending")
	}

	p, err := m.JoinRoom(joiner, "  "+strings.ToLower(code)+" ")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if p.White != creator || p.Black != joiner || p.RoomCode != code {
		t.Fatalf("unexpected pairing %+v", p)
	}
	if _, err := m.JoinRoom(&waiter{id: "late"}, code); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room must be consumed, got %v", err)
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	m := New(time.Minute)
	for _, code := range []string{"", "ABC", "ABCDEFG", "ABC-12", "ZZZZZZ"} {
		if _, err := m.JoinRoom(&waiter{id: "x"}, code); !errors.Is(err, ErrRoomNotFound) {
			t.Fatalf("%q: expected ErrRoomNotFound, got %v", code, err)
		}
	}

	creator := &waiter{id: "c"}
	code, _ := m.CreateRoom(creator)
	creator.closed.Store(true)
	if _, err := m.JoinRoom(&waiter{id: "j"}, code); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room of a closed creator must not be joinable, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	m := New(time.Minute)
	a, b := &waiter{id: "a"}, &waiter{id: "b"}
	m.Enqueue(a)
	code, _ := m.CreateRoom(b)
	if !m.Cancel("a") || !m.Cancel("b") {
		t.Fatalf("cancel should report removal")
	}
	if m.Cancel("a") {
		t.Fatalf("second cancel must be a no-op")
	}
	if q, r := m.Stats(); q != 0 || r != 0 {
		t.Fatalf("state not cleared: q=%d r=%d", q, r)
	}
	if _, err := m.JoinRoom(&waiter{id: "c"}, code); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("cancelled room joinable: %v", err)
	}
}

func TestCodeCollisionRetriesThenExhausts(t *testing.T) {
	m := New(time.Minute)
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	m.codeGen = func() (string, error) {
		c := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return c, nil
	}
	first, _ := m.CreateRoom(&waiter{id: "1"})
	second, err := m.CreateRoom(&waiter{id: "2"})
	if err != nil || first != "AAAAAA" || second != "BBBBBB" {
		t.Fatalf("collision not retried: %s %s %v", first, second, err)
	}
	if _, err := m.CreateRoom(&waiter{id: "3"}); !errors.Is(err, ErrCodeExhausted) {
		t.Fatalf("expected ErrCodeExhausted, got %v", err)
	}
}

func TestExpireAndJanitor(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }
	old := &waiter{id: "old"}
	code, _ := m.CreateRoom(old)

	now = now.Add(30 * time.Second)
	fresh := &waiter{id: "fresh"}
	m.CreateRoom(fresh)

	now = now.Add(45 * time.Second)
	expired := m.Expire()
	if len(expired) != 1 || expired[0].Code != code || expired[0].Creator != old {
		t.Fatalf("unexpected expiry %+v", expired)
	}
	if _, r := m.Stats(); r != 1 {
		t.Fatalf("fresh room must survive")
	}

	now = now.Add(time.Hour)
	got := make(chan *Room, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunJanitor(ctx, 5*time.Millisecond, func(r *Room) { got <- r })
		close(done)
	}()
	select {
	case r := <-got:
		if r.Creator != fresh {
			t.Fatalf("unexpected room %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire the room")
	}
	cancel()
	<-done
}

func TestCodeGenShape(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z0-9]{6}$`)
	for i := 0; i < 200; i++ {
		c, err := codeGen()
		if err != nil || !re.MatchString(c) {
			t.Fatalf("bad code %q %v", c, err)
		}
	}
}
