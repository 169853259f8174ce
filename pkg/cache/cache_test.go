package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetSetDelete(t *testing.T) {
	c := New(NoExpiration, 0, nil)

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok || val != "value1" {
		t.Errorf("expected 'value1' for 'key1', got '%v', ok=%v", val, ok)
	}

	_, ok = c.Get("nonexistent")
	if ok {
		t.Errorf("expected ok=false for non-existent key")
	}

	c.Set("key1", "value1_overwritten")
	val, ok = c.Get("key1")
	if !ok || val != "value1_overwritten" {
		t.Errorf("expected overwritten value, got '%v', ok=%v", val, ok)
	}

	c.Delete("key1")
	if _, ok = c.Get("key1"); ok {
		t.Errorf("expected ok=false after delete")
	}

	c.Delete("nonexistent_delete") // must not panic
}

func TestExpiry(t *testing.T) {
	c := New(NoExpiration, 0, nil)

	c.SetWithTTL("ephemeral", 1, 10*time.Millisecond)
	if _, ok := c.Get("ephemeral"); !ok {
		t.Fatal("expected value before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("ephemeral"); ok {
		t.Error("expected value to expire")
	}
}

func TestScopeFallback(t *testing.T) {
	run := NewRunCache()
	plan := NewPlanCache(run)
	step := NewStepCache(plan)

	run.Set(FactsKey("server-1"), "fedora-40")

	v, ok := step.Get(FactsKey("server-1"))
	if !ok || v != "fedora-40" {
		t.Fatalf("step scope did not fall back to run scope, got %v ok=%v", v, ok)
	}

	// Writes stay in the inner scope.
	step.Set("scratch", 42)
	if _, ok := plan.Get("scratch"); ok {
		t.Error("step write leaked into plan scope")
	}

	// Inner scope shadows the outer value without modifying it.
	plan.Set(FactsKey("server-1"), "centos-9")
	v, _ = step.Get(FactsKey("server-1"))
	if v != "centos-9" {
		t.Errorf("expected shadowed value centos-9, got %v", v)
	}
	v, _ = run.Get(FactsKey("server-1"))
	if v != "fedora-40" {
		t.Errorf("run scope value changed to %v", v)
	}
}

func TestTypedGetters(t *testing.T) {
	c := New(NoExpiration, 0, nil)
	c.Set("s", "text")
	c.Set("i", 7)
	c.Set("b", true)

	if s, ok := c.GetString("s"); !ok || s != "text" {
		t.Errorf("GetString: got %q ok=%v", s, ok)
	}
	if i, ok := c.GetInt("i"); !ok || i != 7 {
		t.Errorf("GetInt: got %d ok=%v", i, ok)
	}
	if _, ok := c.GetInt("s"); ok {
		t.Error("GetInt on a string should report ok=false")
	}
	if v := c.GetBoolOrDefault("missing", true); !v {
		t.Error("GetBoolOrDefault did not return the default")
	}
}

func TestIncrementInt(t *testing.T) {
	c := New(NoExpiration, 0, nil)

	n, err := c.IncrementInt("counter", 1)
	if err != nil || n != 1 {
		t.Fatalf("first increment: n=%d err=%v", n, err)
	}
	n, err = c.IncrementInt("counter", 2)
	if err != nil || n != 3 {
		t.Fatalf("second increment: n=%d err=%v", n, err)
	}

	c.Set("notanint", "x")
	if _, err := c.IncrementInt("notanint", 1); err == nil {
		t.Error("expected a type error incrementing a string value")
	}
}

func TestConcurrency(t *testing.T) {
	c := New(NoExpiration, 0, nil)
	var wg sync.WaitGroup
	numGoroutines := 50

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", idx)
			value := fmt.Sprintf("value-%d", idx)
			c.Set(key, value)

			if _, err := c.IncrementInt("shared", 1); err != nil {
				t.Errorf("goroutine %d: increment: %v", idx, err)
			}

			retrieved, ok := c.Get(key)
			if !ok || retrieved != value {
				t.Errorf("goroutine %d: expected %q, got %v ok=%v", idx, value, retrieved, ok)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := c.GetInt("shared"); n != numGoroutines {
		t.Errorf("expected shared counter %d, got %d", numGoroutines, n)
	}
}

func TestJanitor(t *testing.T) {
	c := New(NoExpiration, 20*time.Millisecond, nil)
	defer c.Stop()

	c.SetWithTTL("gone-soon", 1, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	// Count inspects the store directly, so a lingering item would show up
	// even without a Get to lazily evict it.
	if n := c.Count(); n != 0 {
		t.Errorf("expected janitor to purge expired items, count=%d", n)
	}
}
