package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func pairRequest() CreateRequest {
	return CreateRequest{
		Namespace: "test",
		Agents: []AgentSpec{
			{Name: "A", Description: "first"},
			{Name: "B", Description: "second"},
		},
		Groups: []Group{{Name: "main", Members: []string{"A", "B"}}},
	}
}

func newTestSession(t *testing.T, req CreateRequest) (*Manager, *Session) {
	t.Helper()
	mgr := NewManager()
	s, err := mgr.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, s
}

func TestMainThreadScenario(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	ctx := context.Background()

	got := make(chan *Message, 1)
	go func() {
		msg, err := s.WaitForMessage(ctx, "B", Filter{}, 2*time.Second)
		if err != nil {
			t.Errorf("B WaitForMessage() error = %v", err)
		}
		got <- msg
	}()
	waitForWaiters(t, s, 1)

	if _, err := s.PostMessage("A", "main", "hello"); err != nil {
		t.Fatalf("A PostMessage() error = %v", err)
	}
	msg := <-got
	if msg == nil || msg.Sender != "A" || msg.Payload != "hello" {
		t.Fatalf("B received %+v, want hello from A", msg)
	}

	if _, err := s.PostMessage("B", "main", "ack"); err != nil {
		t.Fatalf("B PostMessage() error = %v", err)
	}

	start := time.Now()
	reply, err := s.WaitForMessage(ctx, "A", Filter{}, time.Second)
	if err != nil {
		t.Fatalf("A WaitForMessage() error = %v", err)
	}
	if reply.Payload != "ack" || reply.Sender != "B" {
		t.Errorf("A received %+v, want ack from B", reply)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("A blocked for %v on an already queued message", time.Since(start))
	}
}

func TestPostMessageOrder(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	ctx := context.Background()

	payloads := []string{"one", "two", "three", "four", "five"}
	for i, p := range payloads {
		msg, err := s.PostMessage("A", "main", p)
		if err != nil {
			t.Fatalf("PostMessage(%q) error = %v", p, err)
		}
		if msg.ID != int64(i+1) {
			t.Errorf("message %q id = %d, want %d", p, msg.ID, i+1)
		}
	}

	for _, want := range payloads {
		msg, err := s.WaitForMessage(ctx, "B", Filter{}, time.Second)
		if err != nil {
			t.Fatalf("WaitForMessage() error = %v", err)
		}
		if msg.Payload != want {
			t.Errorf("got %q, want %q", msg.Payload, want)
		}
	}

	st := s.Snapshot(true)
	if got := st.Threads[0].MessageCount; got != len(payloads) {
		t.Errorf("thread message count = %d, want %d", got, len(payloads))
	}
}

func TestWaiterFairness(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	ctx := context.Background()

	results := make([]chan *Message, 2)
	for i := range results {
		results[i] = make(chan *Message, 1)
		ch := results[i]
		go func() {
			msg, err := s.WaitForMessage(ctx, "B", Filter{}, 2*time.Second)
			if err != nil {
				t.Errorf("WaitForMessage() error = %v", err)
			}
			ch <- msg
		}()
		// Registration order is the order of the waiters in the queue.
		waitForWaiters(t, s, i+1)
	}

	if _, err := s.PostMessage("A", "main", "M1"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if _, err := s.PostMessage("A", "main", "M2"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}

	if got := (<-results[0]).Payload; got != "M1" {
		t.Errorf("W1 got %q, want M1", got)
	}
	if got := (<-results[1]).Payload; got != "M2" {
		t.Errorf("W2 got %q, want M2", got)
	}
}

func TestAtMostOneResolutionPerRecipient(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var delivered []string
	var timeouts int
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := s.WaitForMessage(ctx, "B", Filter{}, 300*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				delivered = append(delivered, msg.Payload)
			case errors.Is(err, ErrTimeout):
				timeouts++
			default:
				t.Errorf("WaitForMessage() error = %v", err)
			}
		}()
	}
	waitForWaiters(t, s, 2)

	if _, err := s.PostMessage("A", "main", "only"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	wg.Wait()

	if len(delivered) != 1 || delivered[0] != "only" || timeouts != 1 {
		t.Fatalf("delivered = %v, timeouts = %d; want exactly one delivery", delivered, timeouts)
	}
}

func TestMessageRetainedWithoutWaiter(t *testing.T) {
	_, s := newTestSession(t, pairRequest())

	if _, err := s.PostMessage("A", "main", "later"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	msg, err := s.WaitForMessage(context.Background(), "B", Filter{}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessage() error = %v", err)
	}
	if msg.Payload != "later" {
		t.Errorf("got %q, want later", msg.Payload)
	}

	// The sender never receives its own message.
	if _, err := s.WaitForMessage(context.Background(), "A", Filter{}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("sender WaitForMessage() error = %v, want ErrTimeout", err)
	}
}

func TestPostMessageErrors(t *testing.T) {
	req := CreateRequest{
		Agents: []AgentSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		Groups: []Group{{Name: "ab", Members: []string{"A", "B"}}, {Name: "bc", Members: []string{"B", "C"}}},
	}
	_, s := newTestSession(t, req)

	tests := []struct {
		name    string
		sender  string
		thread  string
		wantErr error
	}{
		{name: "member posts", sender: "A", thread: "ab"},
		{name: "non-member", sender: "A", thread: "bc", wantErr: ErrUnauthorized},
		{name: "unknown thread", sender: "A", thread: "nope", wantErr: ErrThreadNotFound},
		{name: "unknown agent", sender: "Z", thread: "ab", wantErr: ErrAgentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PostMessage(tt.sender, tt.thread, "x")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("PostMessage() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("PostMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitFilter(t *testing.T) {
	req := CreateRequest{
		Agents: []AgentSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		Groups: []Group{
			{Name: "ab", Members: []string{"A", "B"}},
			{Name: "bc", Members: []string{"B", "C"}},
		},
	}
	_, s := newTestSession(t, req)
	ctx := context.Background()

	if _, err := s.PostMessage("A", "ab", "from-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PostMessage("C", "bc", "from-c"); err != nil {
		t.Fatal(err)
	}

	// Skips the older message from A; it stays queued for a later wait.
	msg, err := s.WaitForMessage(ctx, "B", Filter{Senders: []string{"C"}}, time.Second)
	if err != nil {
		t.Fatalf("WaitForMessage(sender C) error = %v", err)
	}
	if msg.Payload != "from-c" {
		t.Errorf("got %q, want from-c", msg.Payload)
	}
	msg, err = s.WaitForMessage(ctx, "B", Filter{Threads: []string{"ab"}}, time.Second)
	if err != nil {
		t.Fatalf("WaitForMessage(thread ab) error = %v", err)
	}
	if msg.Payload != "from-a" {
		t.Errorf("got %q, want from-a", msg.Payload)
	}

	if _, err := s.WaitForMessage(ctx, "A", Filter{Threads: []string{"bc"}}, time.Second); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("WaitForMessage(foreign thread) error = %v, want ErrUnauthorized", err)
	}
	if _, err := s.WaitForMessage(ctx, "A", Filter{Threads: []string{"zz"}}, time.Second); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("WaitForMessage(unknown thread) error = %v, want ErrThreadNotFound", err)
	}
}

func TestIncompatibleWaiterIsSkipped(t *testing.T) {
	req := CreateRequest{
		Agents: []AgentSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		Groups: []Group{{Name: "all", Members: []string{"A", "B", "C"}}},
	}
	_, s := newTestSession(t, req)
	ctx := context.Background()

	fromC := make(chan *Message, 1)
	go func() {
		msg, _ := s.WaitForMessage(ctx, "B", Filter{Senders: []string{"C"}}, 2*time.Second)
		fromC <- msg
	}()
	waitForWaiters(t, s, 1)
	anyone := make(chan *Message, 1)
	go func() {
		msg, _ := s.WaitForMessage(ctx, "B", Filter{}, 2*time.Second)
		anyone <- msg
	}()
	waitForWaiters(t, s, 2)

	if _, err := s.PostMessage("A", "all", "a1"); err != nil {
		t.Fatal(err)
	}
	if got := <-anyone; got == nil || got.Payload != "a1" {
		t.Fatalf("unfiltered waiter got %+v, want a1", got)
	}
	if _, err := s.PostMessage("C", "all", "c1"); err != nil {
		t.Fatal(err)
	}
	if got := <-fromC; got == nil || got.Payload != "c1" {
		t.Fatalf("filtered waiter got %+v, want c1", got)
	}
}

func TestWaitTimeoutCancelsOnlyThatWaiter(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	ctx := context.Background()

	long := make(chan *Message, 1)
	go func() {
		msg, err := s.WaitForMessage(ctx, "B", Filter{}, 2*time.Second)
		if err != nil {
			t.Errorf("long WaitForMessage() error = %v", err)
		}
		long <- msg
	}()
	waitForWaiters(t, s, 1)

	if _, err := s.WaitForMessage(ctx, "B", Filter{}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("short WaitForMessage() error = %v, want ErrTimeout", err)
	}
	if got := s.PendingWaiters(); got != 1 {
		t.Fatalf("pending waiters = %d, want 1", got)
	}

	if _, err := s.PostMessage("A", "main", "still here"); err != nil {
		t.Fatal(err)
	}
	if got := <-long; got.Payload != "still here" {
		t.Errorf("got %q", got.Payload)
	}
}

func TestCancelledWaiterDoesNotLoseMessage(t *testing.T) {
	_, s := newTestSession(t, pairRequest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForMessage(ctx, "B", Filter{}, 0)
		done <- err
	}()
	waitForWaiters(t, s, 1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitForMessage() error = %v, want context.Canceled", err)
	}

	if _, err := s.PostMessage("A", "main", "kept"); err != nil {
		t.Fatal(err)
	}
	msg, err := s.WaitForMessage(context.Background(), "B", Filter{}, time.Second)
	if err != nil || msg.Payload != "kept" {
		t.Fatalf("WaitForMessage() = %v, %v; want kept", msg, err)
	}
}

func TestEndResolvesWaitersWithSessionClosed(t *testing.T) {
	_, s := newTestSession(t, pairRequest())

	errs := make(chan error, 2)
	for _, agent := range []string{"A", "B"} {
		go func(agent string) {
			_, err := s.WaitForMessage(context.Background(), agent, Filter{}, 5*time.Second)
			errs <- err
		}(agent)
	}
	waitForWaiters(t, s, 2)

	if !s.End(ReasonAPI) {
		t.Fatal("End() = false on a live session")
	}
	if s.End(ReasonAPI) {
		t.Error("second End() = true, want false")
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrSessionClosed) {
			t.Errorf("waiter error = %v, want ErrSessionClosed", err)
		}
	}
	if got := s.State(); got != StateEnded {
		t.Errorf("State() = %v, want ended", got)
	}
	if _, err := s.PostMessage("A", "main", "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("PostMessage() after end error = %v, want ErrSessionClosed", err)
	}
}

func TestFailEndsWithErrorReason(t *testing.T) {
	mgr, s := newTestSession(t, pairRequest())

	errs := make(chan error, 1)
	go func() {
		_, err := s.WaitForMessage(context.Background(), "B", Filter{}, 5*time.Second)
		errs <- err
	}()
	waitForWaiters(t, s, 1)

	if !s.Fail(errors.New("mailbox corrupted")) {
		t.Fatal("Fail() = false on a live session")
	}
	if s.Fail(errors.New("again")) {
		t.Error("second Fail() = true, want false")
	}
	if err := <-errs; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("waiter error = %v, want ErrSessionClosed", err)
	}

	st, err := mgr.State(context.Background(), s.Key(), false)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.State != StateEnded || st.EndReason != ReasonError {
		t.Errorf("state = %v (%s), want ended (error)", st.State, st.EndReason)
	}
}

func TestCloseSession(t *testing.T) {
	tests := []struct {
		name            string
		requireAllClose bool
		closers         []string
		wantEnded       []bool
	}{
		{name: "any agent ends", closers: []string{"A"}, wantEnded: []bool{true}},
		{name: "all must close", requireAllClose: true, closers: []string{"A", "B"}, wantEnded: []bool{false, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pairRequest()
			req.Settings.RequireAllClose = tt.requireAllClose
			_, s := newTestSession(t, req)

			for i, agent := range tt.closers {
				ended, err := s.Close(agent, "done")
				if err != nil {
					t.Fatalf("Close(%s) error = %v", agent, err)
				}
				if ended != tt.wantEnded[i] {
					t.Errorf("Close(%s) ended = %v, want %v", agent, ended, tt.wantEnded[i])
				}
			}
			if got := s.State(); got != StateEnded {
				t.Errorf("State() = %v, want ended", got)
			}
		})
	}
}

func TestClosedAgentCannotPost(t *testing.T) {
	req := pairRequest()
	req.Settings.RequireAllClose = true
	_, s := newTestSession(t, req)

	if _, err := s.Close("A", "bye"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PostMessage("A", "main", "x"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("PostMessage() error = %v, want ErrSessionClosed", err)
	}
	if _, err := s.PostMessage("B", "main", "y"); err != nil {
		t.Errorf("PostMessage() by open agent error = %v", err)
	}
	st := s.Snapshot(false)
	if !st.Agents[0].Closed || st.Agents[1].Closed {
		t.Errorf("closed flags = %v/%v, want true/false", st.Agents[0].Closed, st.Agents[1].Closed)
	}
}

func TestTransportAttachDrivesConnectedState(t *testing.T) {
	_, s := newTestSession(t, pairRequest())

	if s.State() != StateCreated {
		t.Fatalf("State() = %v, want created", s.State())
	}
	if err := s.AttachTransport("A", "streamable"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachTransport("A", "sse"); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateActive {
		t.Errorf("State() = %v, want active", s.State())
	}

	s.DetachTransport("A", "sse")
	if !s.Snapshot(false).Agents[0].Connected {
		t.Error("agent disconnected while a transport remains bound")
	}
	s.DetachTransport("A", "streamable")
	if s.Snapshot(false).Agents[0].Connected {
		t.Error("agent still connected after every transport unbound")
	}
}

func TestSnapshotLinksAndWaiting(t *testing.T) {
	req := CreateRequest{
		Agents: []AgentSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		Groups: []Group{{Members: []string{"A", "B"}}, {Members: []string{"A", "C"}}},
	}
	_, s := newTestSession(t, req)

	go func() { _, _ = s.WaitForMessage(context.Background(), "C", Filter{}, time.Second) }()
	waitForWaiters(t, s, 1)

	st := s.Snapshot(false)
	if got := st.Agents[0].Links; len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("A links = %v, want [B C]", got)
	}
	if !st.Agents[2].Waiting {
		t.Error("C not reported as waiting")
	}
	if st.Threads[0].Name != "A+B" || st.Threads[1].Name != "A+C" {
		t.Errorf("thread names = %s, %s", st.Threads[0].Name, st.Threads[1].Name)
	}
}

func TestEventsPublished(t *testing.T) {
	_, s := newTestSession(t, pairRequest())
	events, cancel := s.Events().Subscribe(16)
	defer cancel()

	if _, err := s.PostMessage("A", "main", "hi"); err != nil {
		t.Fatal(err)
	}
	s.End(ReasonAPI)

	var got []EventType
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed after %v", got)
			}
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []EventType{EventMessagePosted, EventSessionEnding, EventSessionEnded}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// waitForWaiters blocks until the session has n pending waiters.
func waitForWaiters(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.PendingWaiters() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending waiters = %d, want %d", s.PendingWaiters(), n)
}
