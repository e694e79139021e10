package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_validator/proxypool/model"
)

// mockScanner is a mock implementation of the Scanner interface.
type mockScanner struct {
	saved   []string
	readErr error
	scans   atomic.Int32
}

func (m *mockScanner) SavedServers() ([]string, error) { return m.saved, m.readErr }

func (m *mockScanner) Scan(_ context.Context, uris []string) (string, <-chan model.Outcome) {
	m.scans.Add(1)
	ch := make(chan model.Outcome, len(uris))
	for _, u := range uris {
		if u == "down" {
			ch <- model.Outcome{URI: u, Result: model.Failure(model.FailureTimeout, "probe timed out")}
		} else {
			ch <- model.Outcome{URI: u, Result: model.Success(12)}
		}
	}
	close(ch)
	return "health-scan", ch
}

func TestCheck_CountsHealthyAndDown(t *testing.T) {
	s := &mockScanner{saved: []string{"up-1", "down", "up-2"}}
	r, err := New(s, 0).Check(context.Background())
	if err != nil {
		t.Fatalf("Check() returned an error: %v", err)
	}
	if r.ScanID != "health-scan" || r.Total != 3 || r.Healthy != 2 || r.Down != 1 {
		t.Errorf("unexpected report %+v", r)
	}
	if len(r.Failed) != 1 || r.Failed[0] != "down" {
		t.Errorf("expected the failed uri to be listed, got %v", r.Failed)
	}
}

func TestCheck_EmptyListSkipsScan(t *testing.T) {
	s := &mockScanner{}
	r, err := New(s, 0).Check(context.Background())
	if err != nil || r.Total != 0 {
		t.Fatalf("Check() = %+v, %v", r, err)
	}
	if s.scans.Load() != 0 {
		t.Error("no scan should start for an empty list")
	}
}

func TestCheck_ReadError(t *testing.T) {
	s := &mockScanner{readErr: errors.New("permission denied")}
	if _, err := New(s, 0).Check(context.Background()); err == nil {
		t.Fatal("expected an error when the saved list cannot be read")
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s := &mockScanner{saved: []string{"up-1"}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(s, 20*time.Millisecond).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.scans.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("checker did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	done := make(chan struct{})
	go func() {
		New(&mockScanner{}, 0).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with interval 0 should return immediately")
	}
}
