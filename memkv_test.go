package presence

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func recvEntry(t *testing.T, ch <-chan *Entry) *Entry {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed unexpectedly")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return nil
}

func TestMemoryBucketPutGet(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx := context.Background()

	rev1, err := b.Put(ctx, "presence.worker-1", []byte("1700000000"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if rev1 == 0 {
		t.Error("Put() returned zero revision")
	}

	entry, err := b.Get(ctx, "presence.worker-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(entry.Value, []byte("1700000000")) {
		t.Errorf("Get() value = %q, want %q", entry.Value, "1700000000")
	}
	if entry.Revision != rev1 {
		t.Errorf("Get() revision = %d, want %d", entry.Revision, rev1)
	}

	rev2, err := b.Put(ctx, "presence.worker-1", []byte("1700000001"))
	if err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	if rev2 <= rev1 {
		t.Errorf("revisions must increase: %d then %d", rev1, rev2)
	}
}

func TestMemoryBucketGetMissing(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	_, err := b.Get(context.Background(), "presence.ghost")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryBucketCreate(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx := context.Background()

	if _, err := b.Create(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err := b.Create(ctx, "presence.worker-1", []byte("2"))
	if !errors.Is(err, ErrKeyExists) {
		t.Errorf("Create() on live key error = %v, want ErrKeyExists", err)
	}

	if err := b.Delete(ctx, "presence.worker-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := b.Create(ctx, "presence.worker-1", []byte("3")); err != nil {
		t.Errorf("Create() after delete error: %v", err)
	}
}

func TestMemoryBucketUpdateRevision(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx := context.Background()

	rev, err := b.Put(ctx, "presence.worker-1", []byte("1"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if _, err := b.Update(ctx, "presence.worker-1", []byte("2"), rev); err != nil {
		t.Fatalf("Update() with matching revision error: %v", err)
	}

	_, err = b.Update(ctx, "presence.worker-1", []byte("3"), rev)
	if err == nil {
		t.Fatal("Update() with stale revision expected error")
	}
	if !strings.Contains(err.Error(), "revision mismatch") {
		t.Errorf("Update() error = %v, want revision mismatch", err)
	}

	_, err = b.Update(ctx, "presence.ghost", []byte("1"), 1)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Update() on missing key error = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryBucketValueSizeLimit(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx := context.Background()

	if _, err := b.Put(ctx, "presence.worker-1", bytes.Repeat([]byte("x"), MaxValueSize)); err != nil {
		t.Errorf("Put() at the size limit error: %v", err)
	}

	_, err := b.Put(ctx, "presence.worker-1", bytes.Repeat([]byte("x"), MaxValueSize+1))
	if err == nil {
		t.Fatal("Put() above the size limit expected error")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("Put() error = %v, want size exceeded", err)
	}

	if _, err := b.Create(ctx, "presence.worker-2", bytes.Repeat([]byte("x"), MaxValueSize+1)); err == nil {
		t.Error("Create() above the size limit expected error")
	}
}

func TestMemoryBucketDeleteMissing(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	if err := b.Delete(context.Background(), "presence.ghost"); err != nil {
		t.Errorf("Delete() of missing key error: %v", err)
	}
}

func TestMemoryBucketExpiry(t *testing.T) {
	b := NewMemoryBucket("workers", 50*time.Millisecond)
	defer b.Close()

	ctx := context.Background()

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := b.Get(ctx, "presence.worker-1"); err != nil {
		t.Fatalf("Get() before expiry error: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	if _, err := b.Get(ctx, "presence.worker-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrKeyNotFound", err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys() after expiry = %v, want none", keys)
	}
}

func TestMemoryBucketPutRestartsTTL(t *testing.T) {
	b := NewMemoryBucket("workers", 100*time.Millisecond)
	defer b.Close()

	ctx := context.Background()

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	// Keep rewriting within the TTL; the key must stay alive well past the
	// original deadline.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
			t.Fatalf("refresh Put() error: %v", err)
		}
	}

	if _, err := b.Get(ctx, "presence.worker-1"); err != nil {
		t.Errorf("Get() after refreshes error: %v", err)
	}
}

func TestMemoryBucketKeysAndEntries(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx := context.Background()

	for _, key := range []string{"presence.a", "presence.b", "locks.c"} {
		if _, err := b.Put(ctx, key, []byte("1")); err != nil {
			t.Fatalf("Put(%s) error: %v", key, err)
		}
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Keys() = %v, want 3 keys", keys)
	}

	entries, err := b.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Entries() = %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if len(e.Value) == 0 {
			t.Errorf("Entries() entry %q has empty value", e.Key)
		}
	}
}

func TestMemoryBucketWatchReplaysCurrentState(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := b.Put(ctx, "presence.worker-2", []byte("2")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		e := recvEntry(t, ch)
		if e.Op != OpPut {
			t.Errorf("replayed entry %q op = %v, want OpPut", e.Key, e.Op)
		}
		seen[e.Key] = true
	}
	if !seen["presence.worker-1"] || !seen["presence.worker-2"] {
		t.Errorf("replay missed entries, saw %v", seen)
	}
}

func TestMemoryBucketWatchObservesChanges(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	e := recvEntry(t, ch)
	if e.Op != OpPut || e.Key != "presence.worker-1" {
		t.Errorf("watch event = {%v %q}, want put of presence.worker-1", e.Op, e.Key)
	}

	if err := b.Delete(ctx, "presence.worker-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	e = recvEntry(t, ch)
	if e.Op != OpDelete || e.Key != "presence.worker-1" {
		t.Errorf("watch event = {%v %q}, want delete of presence.worker-1", e.Op, e.Key)
	}
}

func TestMemoryBucketWatchReportsExpiryAsDelete(t *testing.T) {
	b := NewMemoryBucket("workers", 50*time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if e := recvEntry(t, ch); e.Op != OpPut {
		t.Fatalf("first event op = %v, want OpPut", e.Op)
	}

	// The sweeper turns the expiry into a delete event.
	e := recvEntry(t, ch)
	if e.Op != OpDelete || e.Key != "presence.worker-1" {
		t.Errorf("expiry event = {%v %q}, want delete of presence.worker-1", e.Op, e.Key)
	}
}

func TestMemoryBucketWatchEndsOnCancel(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel close after cancel, got entry")
		}
	case <-time.After(2 * time.Second):
		t.Error("watch channel not closed after cancel")
	}
}

func TestMemoryBucketClose(t *testing.T) {
	b := NewMemoryBucket("workers", 0)

	ctx := context.Background()
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	b.Close()
	b.Close() // second close is a no-op

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel close, got entry")
		}
	case <-time.After(time.Second):
		t.Error("watch channel not closed by Close")
	}

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put() after Close error = %v, want ErrClosed", err)
	}
	if _, err := b.Watch(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Watch() after Close error = %v, want ErrClosed", err)
	}
}

func TestMemoryBucketContextCanceled(t *testing.T) {
	b := NewMemoryBucket("workers", 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Put(ctx, "presence.worker-1", []byte("1")); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() with canceled ctx error = %v, want context.Canceled", err)
	}
	if _, err := b.Get(ctx, "presence.worker-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() with canceled ctx error = %v, want context.Canceled", err)
	}
	if _, err := b.Keys(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Keys() with canceled ctx error = %v, want context.Canceled", err)
	}
}
