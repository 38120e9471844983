package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pennylabs/penny"
)

func TestManagerCreatesAndReuses(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close(context.Background())

	s1, err := m.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s2, err := m.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1 != s2 {
		t.Error("expected same session for same id")
	}
	if s1.CreatedAt.IsZero() || s1.LastActivityAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestManagerRejectsEmptyID(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close(context.Background())

	_, err := m.Get("")
	if penny.CodeOf(err) != penny.CodeInvalidParams {
		t.Errorf("code = %s, want INVALID_PARAMS", penny.CodeOf(err))
	}
}

func TestManagerDeleteCallsTeardown(t *testing.T) {
	var mu sync.Mutex
	var torn []string
	m := NewManager(time.Hour, ManagerTeardown(func(_ context.Context, s *Session) {
		mu.Lock()
		torn = append(torn, s.ID)
		mu.Unlock()
	}))
	defer m.Close(context.Background())

	if _, err := m.Get("x"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Delete(context.Background(), "x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(torn) != 1 || torn[0] != "x" {
		t.Errorf("teardown calls = %v", torn)
	}
}

func TestManagerDeleteMissing(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close(context.Background())

	err := m.Delete(context.Background(), "nope")
	if penny.CodeOf(err) != penny.CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", penny.CodeOf(err))
	}
}

func TestManagerCloseTearsDownAll(t *testing.T) {
	var mu sync.Mutex
	count := 0
	m := NewManager(time.Hour, ManagerTeardown(func(context.Context, *Session) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	m.Get("a")
	m.Get("b")
	m.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("teardown count = %d, want 2", count)
	}
}

func TestSessionSerializesExecutions(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close(context.Background())

	s, _ := m.Get("serial")
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Lock()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			s.Unlock()
		}(i)
	}
	wg.Wait()
	if len(order) != 4 {
		t.Errorf("executions = %d, want 4", len(order))
	}
}
