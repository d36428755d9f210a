package records

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aidetector/pkg/domain"
	"aidetector/pkg/metadata"
)

func newTestStore(t *testing.T) metadata.Store {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return metadata.NewRedisStoreWithClient(client, "test")
}

func TestRegisterIsIdempotentPerUsername(t *testing.T) {
	users := NewUsers(newTestStore(t))
	ctx := context.Background()

	first, err := users.Register(ctx, "alice", "password", false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := users.Register(ctx, "alice", "password", false)
	if err != nil {
		t.Fatalf("repeat register: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("ids differ: %q vs %q", first.ID, second.ID)
	}

	// Exactly one record in the partition.
	got, found, err := users.GetByUsername(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("get by username: found=%v err=%v", found, err)
	}
	if got.ID != first.ID {
		t.Fatalf("lookup returned %q, want %q", got.ID, first.ID)
	}
}

func TestAuthenticate(t *testing.T) {
	users := NewUsers(newTestStore(t))
	ctx := context.Background()

	if _, err := users.Register(ctx, "bob", "hunter2", true); err != nil {
		t.Fatalf("register: %v", err)
	}

	user, ok, err := users.Authenticate(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !ok || !user.IsAdmin {
		t.Fatalf("authenticate: ok=%v isAdmin=%v", ok, user.IsAdmin)
	}
	if _, ok, _ := users.Authenticate(ctx, "bob", "wrong"); ok {
		t.Fatalf("wrong password accepted")
	}
	if _, ok, _ := users.Authenticate(ctx, "nobody", "hunter2"); ok {
		t.Fatalf("unknown username accepted")
	}
}

func TestImageLifecycle(t *testing.T) {
	images := NewImages(newTestStore(t))
	ctx := context.Background()

	rec := domain.ImageRecord{
		ID:              "img-1",
		Filename:        "cat.png",
		OwnerUserID:     "u-1",
		ModelPrediction: domain.PredictionReal,
		Confidence:      0.91,
		UploadedAt:      time.Now().UTC(),
	}
	if err := images.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, found, err := images.Get(ctx, "img-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !got.Provisional() {
		t.Fatalf("fresh record must be provisional")
	}
	if got.ModelPrediction != domain.PredictionReal || got.Confidence != 0.91 {
		t.Fatalf("round trip mangled record: %+v", got)
	}

	updated, err := images.SetObjectKey(ctx, "img-1", "uploads/img-1/cat.png")
	if err != nil || !updated {
		t.Fatalf("set object key: updated=%v err=%v", updated, err)
	}
	got, _, err = images.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Provisional() || got.ObjectKey != "uploads/img-1/cat.png" {
		t.Fatalf("object key not applied: %+v", got)
	}
	if got.Filename != "cat.png" || got.Confidence != 0.91 {
		t.Fatalf("patch touched unrelated fields: %+v", got)
	}

	updated, err = images.SetUserPrediction(ctx, "img-1", domain.PredictionAI)
	if err != nil || !updated {
		t.Fatalf("set user prediction: updated=%v err=%v", updated, err)
	}
	got, _, _ = images.Get(ctx, "img-1")
	if got.UserPrediction != domain.PredictionAI {
		t.Fatalf("user prediction = %q", got.UserPrediction)
	}

	deleted, err := images.Delete(ctx, "img-1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, found, _ := images.Get(ctx, "img-1"); found {
		t.Fatalf("record visible after delete")
	}
}

func TestImagePatchOnMissingRecord(t *testing.T) {
	images := NewImages(newTestStore(t))
	ctx := context.Background()

	if updated, err := images.SetObjectKey(ctx, "ghost", "k"); err != nil || updated {
		t.Fatalf("SetObjectKey on missing: updated=%v err=%v", updated, err)
	}
	if updated, err := images.SetUserPrediction(ctx, "ghost", domain.PredictionReal); err != nil || updated {
		t.Fatalf("SetUserPrediction on missing: updated=%v err=%v", updated, err)
	}
	if deleted, err := images.Delete(ctx, "ghost"); err != nil || deleted {
		t.Fatalf("Delete on missing: deleted=%v err=%v", deleted, err)
	}
}

func TestAccuracyLastWriteWins(t *testing.T) {
	acc := NewAccuracy(newTestStore(t))
	ctx := context.Background()

	if err := acc.Put(ctx, "u-1", 0.4); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := acc.Put(ctx, "u-1", 0.8); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, found, err := acc.Get(ctx, "u-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Accuracy != 0.8 {
		t.Fatalf("accuracy = %v, want 0.8", rec.Accuracy)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatalf("updatedAt not set")
	}
}
