package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memoryChannel struct {
	kind Kind

	mu  sync.Mutex
	got []Notification
}

func (c *memoryChannel) Kind() Kind { return c.kind }

func (c *memoryChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *memoryChannel) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.got))
	copy(out, c.got)
	return out
}

func TestRouter_RoutesByKind(t *testing.T) {
	chat := &memoryChannel{kind: KindChat}
	email := &memoryChannel{kind: KindEmail}
	r := NewRouter(RouterOptions{Logger: zerolog.Nop()}, chat, email)

	r.Notify(Notification{
		Kind:     KindChat,
		Severity: SeverityWarning,
		Subject:  "error rate climbing",
		Body:     "checkout error rate at 3.2%",
	})
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := chat.all()
	if len(got) != 1 {
		t.Fatalf("chat channel received %d notifications, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Errorf("notification ID was not stamped")
	}
	if got[0].CreatedAt.IsZero() {
		t.Errorf("notification CreatedAt was not stamped")
	}
	if got[0].Subject != "error rate climbing" {
		t.Errorf("Subject = %q, want %q", got[0].Subject, "error rate climbing")
	}
	if n := len(email.all()); n != 0 {
		t.Errorf("email channel received %d notifications, want 0", n)
	}
}

func TestRouter_BroadcastReachesAllChannels(t *testing.T) {
	chat := &memoryChannel{kind: KindChat}
	dash := &memoryChannel{kind: KindDashboard}
	hook := &memoryChannel{kind: KindWebhook}
	r := NewRouter(RouterOptions{Logger: zerolog.Nop()}, chat, dash, hook)

	r.Broadcast(Notification{
		Severity: SeverityCritical,
		Subject:  "rollback started",
		Body:     "payments-v2 is being rolled back",
	})
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	channels := []*memoryChannel{chat, dash, hook}
	var sharedID string
	for _, ch := range channels {
		got := ch.all()
		if len(got) != 1 {
			t.Fatalf("%s channel received %d notifications, want 1", ch.kind, len(got))
		}
		if got[0].Kind != ch.kind {
			t.Errorf("%s channel got kind %q, want its own", ch.kind, got[0].Kind)
		}
		if sharedID == "" {
			sharedID = got[0].ID
		} else if got[0].ID != sharedID {
			t.Errorf("broadcast copies have different IDs: %q vs %q", got[0].ID, sharedID)
		}
	}
}

func TestRouter_UnregisteredKindIsDropped(t *testing.T) {
	chat := &memoryChannel{kind: KindChat}
	r := NewRouter(RouterOptions{Logger: zerolog.Nop()}, chat)

	r.Notify(Notification{Kind: KindSMS, Subject: "nobody is listening"})
	r.Notify(Notification{Subject: "no kind at all"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if n := len(chat.all()); n != 0 {
		t.Errorf("chat channel received %d notifications, want 0", n)
	}
}

// blockingChannel parks deliveries until release is closed so tests can fill
// the router queue deterministically.
type blockingChannel struct {
	kind    Kind
	entered chan struct{}
	release chan struct{}

	mu  sync.Mutex
	got int
}

func (c *blockingChannel) Kind() Kind { return c.kind }

func (c *blockingChannel) Send(_ context.Context, _ Notification) error {
	c.entered <- struct{}{}
	<-c.release
	c.mu.Lock()
	c.got++
	c.mu.Unlock()
	return nil
}

func TestRouter_DropsWhenQueueFull(t *testing.T) {
	ch := &blockingChannel{
		kind:    KindChat,
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	r := NewRouter(RouterOptions{QueueSize: 2, Logger: zerolog.Nop()}, ch)

	// First notification occupies the worker, the next two fill the queue.
	r.Notify(Notification{Kind: KindChat, Subject: "n1"})
	select {
	case <-ch.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never started delivering")
	}
	r.Notify(Notification{Kind: KindChat, Subject: "n2"})
	r.Notify(Notification{Kind: KindChat, Subject: "n3"})

	// Queue is full now, this one must be dropped without blocking.
	doneNotify := make(chan struct{})
	go func() {
		r.Notify(Notification{Kind: KindChat, Subject: "n4"})
		close(doneNotify)
	}()
	select {
	case <-doneNotify:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(ch.release)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ch.mu.Lock()
	got := ch.got
	ch.mu.Unlock()
	if got != 3 {
		t.Errorf("delivered %d notifications, want 3 (fourth dropped)", got)
	}
}

func TestRouter_CloseIsIdempotent(t *testing.T) {
	r := NewRouter(RouterOptions{Logger: zerolog.Nop()}, &memoryChannel{kind: KindChat})
	if err := r.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRouter_Kinds(t *testing.T) {
	r := NewRouter(RouterOptions{Logger: zerolog.Nop()},
		&memoryChannel{kind: KindWebhook},
		&memoryChannel{kind: KindChat},
		&memoryChannel{kind: KindDashboard},
	)
	defer r.Close()

	got := r.Kinds()
	want := []Kind{KindChat, KindDashboard, KindWebhook}
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"email", "chat", "sms", "webhook", "dashboard"} {
		if _, err := ParseKind(valid); err != nil {
			t.Errorf("ParseKind(%q) error = %v, want nil", valid, err)
		}
	}
	if _, err := ParseKind("carrier-pigeon"); err == nil {
		t.Errorf("ParseKind(\"carrier-pigeon\") error = nil, want error")
	}
}

func TestDashboardChannel_RecentNewestFirst(t *testing.T) {
	dash := NewDashboardChannel(10)
	for i := 0; i < 5; i++ {
		err := dash.Send(context.Background(), Notification{
			ID:      fmt.Sprintf("ntf-%d", i),
			Kind:    KindDashboard,
			Subject: fmt.Sprintf("subject %d", i),
		})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	recent := dash.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d notifications, want 3", len(recent))
	}
	for i, wantID := range []string{"ntf-4", "ntf-3", "ntf-2"} {
		if recent[i].ID != wantID {
			t.Errorf("Recent(3)[%d].ID = %q, want %q", i, recent[i].ID, wantID)
		}
	}

	all := dash.Recent(0)
	if len(all) != 5 {
		t.Errorf("Recent(0) returned %d notifications, want 5", len(all))
	}
}

func TestDashboardChannel_EvictsOldest(t *testing.T) {
	dash := NewDashboardChannel(3)
	for i := 0; i < 6; i++ {
		if err := dash.Send(context.Background(), Notification{ID: fmt.Sprintf("ntf-%d", i)}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	all := dash.Recent(0)
	if len(all) != 3 {
		t.Fatalf("feed holds %d notifications, want 3", len(all))
	}
	if all[0].ID != "ntf-5" || all[2].ID != "ntf-3" {
		t.Errorf("feed = [%s .. %s], want [ntf-5 .. ntf-3]", all[0].ID, all[2].ID)
	}
}

func TestLogChannel_SendNeverFails(t *testing.T) {
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		ch := NewLogChannel(KindEmail, zerolog.Nop())
		err := ch.Send(context.Background(), Notification{
			Kind:       KindEmail,
			Severity:   sev,
			Subject:    "test",
			Recipients: []string{"oncall@example.com"},
		})
		if err != nil {
			t.Errorf("Send() with severity %q error = %v, want nil", sev, err)
		}
	}
}
