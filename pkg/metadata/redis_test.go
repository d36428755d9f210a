package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPartition(t *testing.T) Partition {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := NewRedisStoreWithClient(client, "test-tenant")
	return store.Partition("images")
}

func TestInsertConflictsOnDuplicateID(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	if err := p.Insert(ctx, "a", []byte(`{"filename":"one.png"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := p.Insert(ctx, "a", []byte(`{"filename":"two.png"}`))
	if err != ErrConflict {
		t.Fatalf("second insert err = %v, want ErrConflict", err)
	}

	doc, found, err := p.Get(ctx, "a")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(doc, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["filename"] != "one.png" {
		t.Fatalf("conflicting insert overwrote the record: %v", rec)
	}
}

func TestGetMissingRecord(t *testing.T) {
	p := newTestPartition(t)
	_, found, err := p.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected missing record")
	}
}

func TestPatchMergesOnlyGivenFields(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	if err := p.Insert(ctx, "img", []byte(`{"filename":"cat.png","object_key":"","confidence":0.91}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	updated, err := p.Patch(ctx, "img", []byte(`{"object_key":"uploads/img/cat.png"}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !updated {
		t.Fatalf("patch reported record missing")
	}

	doc, _, err := p.Get(ctx, "img")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(doc, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["object_key"] != "uploads/img/cat.png" {
		t.Fatalf("object_key = %v", rec["object_key"])
	}
	if rec["filename"] != "cat.png" {
		t.Fatalf("untouched field changed: %v", rec["filename"])
	}
	if rec["confidence"] != 0.91 {
		t.Fatalf("untouched field changed: %v", rec["confidence"])
	}
}

func TestPatchMissingRecordReportsFalse(t *testing.T) {
	p := newTestPartition(t)
	updated, err := p.Patch(context.Background(), "ghost", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated {
		t.Fatalf("patch of a missing record must report updated=false")
	}
}

func TestPutOverwritesLastWriteWins(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	if err := p.Put(ctx, "acc", []byte(`{"accuracy":0.5}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p.Put(ctx, "acc", []byte(`{"accuracy":0.75}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc, _, err := p.Get(ctx, "acc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec map[string]float64
	if err := json.Unmarshal(doc, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["accuracy"] != 0.75 {
		t.Fatalf("accuracy = %v, want 0.75", rec["accuracy"])
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	if err := p.Insert(ctx, "a", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	deleted, err := p.Delete(ctx, "a")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = p.Delete(ctx, "a")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatalf("second delete must report deleted=false")
	}
	_, found, err := p.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("record still readable after delete")
	}
}

func TestScanAllReturnsEveryRecord(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	want := map[string]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		doc, _ := json.Marshal(map[string]string{"id": id})
		if err := p.Insert(ctx, id, doc); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		want[id] = true
	}

	docs, err := p.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(docs) != len(want) {
		t.Fatalf("scan returned %d records, want %d", len(docs), len(want))
	}
	for _, doc := range docs {
		var rec map[string]string
		if err := json.Unmarshal(doc, &rec); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !want[rec["id"]] {
			t.Fatalf("unexpected record %v", rec)
		}
		delete(want, rec["id"])
	}
}

func TestScanAllStopsAtCeiling(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	total := scanMaxRecords + 100
	for i := 0; i < total; i++ {
		doc, _ := json.Marshal(map[string]int{"n": i})
		if err := p.Put(ctx, fmt.Sprintf("rec-%04d", i), doc); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	docs, err := p.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(docs) != scanMaxRecords {
		t.Fatalf("scan returned %d records, want exactly %d", len(docs), scanMaxRecords)
	}
}

func TestScanAllEmptyPartition(t *testing.T) {
	p := newTestPartition(t)
	docs, err := p.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected empty scan, got %d", len(docs))
	}
}
