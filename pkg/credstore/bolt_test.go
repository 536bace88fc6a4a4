// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

func openTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds", "credentials.db")
	store, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestLoadCreatesEmptyRecord(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec, err := store.Load(ctx, "6281000000001")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Phone != "6281000000001" {
		t.Errorf("Phone: got %q, want %q", rec.Phone, "6281000000001")
	}
	if !rec.Empty() {
		t.Error("new record should be empty")
	}
	if rec.Counter != 0 {
		t.Errorf("Counter: got %d, want 0", rec.Counter)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List: got %d records, want 1 (Load must persist)", len(records))
	}
}

func TestUpdateAdvancesCounter(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "628123"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first, err := store.Update(ctx, "628123", []byte("628123@s.whatsapp.net"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	second, err := store.Update(ctx, "628123", []byte("628123:4@s.whatsapp.net"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if first.Counter != 1 || second.Counter != 2 {
		t.Errorf("Counter: got %d then %d, want 1 then 2", first.Counter, second.Counter)
	}

	got, err := store.Load(ctx, "628123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Blob) != "628123:4@s.whatsapp.net" {
		t.Errorf("Blob: got %q", got.Blob)
	}
}

func TestUpdateWithoutLoad(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)

	rec, err := store.Update(context.Background(), "628999", []byte("x"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Counter != 1 || rec.Phone != "628999" {
		t.Errorf("got %+v", rec)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.db")
	ctx := context.Background()

	store, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if _, err := store.Update(ctx, "628111", []byte("a")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.Load(ctx, "628222"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt (reopen): %v", err)
	}
	defer reopened.Close()

	records, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	phones := make([]string, 0, len(records))
	for _, rec := range records {
		phones = append(phones, rec.Phone)
	}
	sort.Strings(phones)
	if len(phones) != 2 || phones[0] != "628111" || phones[1] != "628222" {
		t.Fatalf("phones after reopen: got %v", phones)
	}
}

func TestGetDoesNotCreate(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "628123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get of missing record: got %v, want ErrNotFound", err)
	}
	if records, _ := store.List(ctx); len(records) != 0 {
		t.Fatalf("Get must not create a record, List got %d", len(records))
	}

	if _, err := store.Update(ctx, "628123", []byte("628123:2@s.whatsapp.net")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, err := store.Get(ctx, "628123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Blob) != "628123:2@s.whatsapp.net" || rec.Counter != 1 {
		t.Errorf("Get: got %+v", rec)
	}

	if err := store.Delete(ctx, "628123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "628123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Update(ctx, "628123", []byte("a")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Delete(ctx, "628123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "628123"); err != nil {
		t.Fatalf("second Delete should not fail: %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete of missing record should not fail: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("List: got %d records after delete, want 0", len(records))
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Load(ctx, "628123"); err == nil {
		t.Error("Load with canceled context should fail")
	}
}

func TestRecordClone(t *testing.T) {
	t.Parallel()
	rec := &Record{Phone: "1", Blob: []byte("abc"), Counter: 3}
	cp := rec.Clone()
	cp.Blob[0] = 'x'
	if string(rec.Blob) != "abc" {
		t.Errorf("Clone shares blob memory: original now %q", rec.Blob)
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("nil Clone should be nil")
	}
}
