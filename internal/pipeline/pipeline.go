// Package pipeline orchestrates classification results, object storage, and
// metadata into one logical upload operation. The two backends fail
// independently; the pipeline guarantees ordering between its writes, not
// atomicity across them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"aidetector/internal/records"
	"aidetector/pkg/domain"
	"aidetector/pkg/storage"
)

// SubmitInput carries one classified upload.
type SubmitInput struct {
	Filename    string
	OwnerUserID string
	Label       domain.Prediction
	Confidence  float64
	ContentType string
	Data        []byte
}

// Pipeline performs the multi-step writes for uploads and deletions.
type Pipeline struct {
	images   *records.Images
	accuracy *records.Accuracy
	objects  storage.ObjectStore
}

// New wires the pipeline onto its two backends.
func New(images *records.Images, accuracy *records.Accuracy, objects storage.ObjectStore) *Pipeline {
	return &Pipeline{images: images, accuracy: accuracy, objects: objects}
}

// Submit runs the upload as three durable writes: insert a provisional record
// (empty object key), store the bytes under a key derived from the new id,
// then patch the record with that key. A failure in step one aborts cleanly.
// A failure after it returns *PartialFailureError and leaves the provisional
// record in place; readers must treat such records as incomplete. On success
// the returned record is complete and its object is retrievable.
func (p *Pipeline) Submit(ctx context.Context, in SubmitInput) (domain.ImageRecord, error) {
	if !in.Label.Valid() {
		return domain.ImageRecord{}, ErrBadPrediction
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return domain.ImageRecord{}, fmt.Errorf("confidence %v outside [0,1]", in.Confidence)
	}

	rec := domain.ImageRecord{
		ID:              uuid.NewString(),
		Filename:        in.Filename,
		OwnerUserID:     in.OwnerUserID,
		ModelPrediction: in.Label,
		Confidence:      in.Confidence,
		UploadedAt:      time.Now().UTC(),
	}
	if err := p.images.Insert(ctx, rec); err != nil {
		return domain.ImageRecord{}, fmt.Errorf("insert image record: %w", err)
	}

	key := storage.BuildObjectKey(rec.ID, in.Filename)
	if err := p.objects.Put(ctx, key, in.Data, in.ContentType); err != nil {
		return domain.ImageRecord{}, &PartialFailureError{ImageID: rec.ID, Stage: StageStoreObject, Err: err}
	}

	updated, err := p.images.SetObjectKey(ctx, rec.ID, key)
	if err != nil {
		return domain.ImageRecord{}, &PartialFailureError{ImageID: rec.ID, Stage: StagePatchObjectKey, Err: err}
	}
	if !updated {
		// Record vanished between insert and patch (concurrent delete).
		return domain.ImageRecord{}, &PartialFailureError{ImageID: rec.ID, Stage: StagePatchObjectKey, Err: ErrNotFound}
	}

	rec.ObjectKey = key
	return rec, nil
}

// Delete removes the metadata record first, so no reader ever sees the record
// again once this returns, then deletes the object best-effort. A failed
// object delete leaves an orphaned object behind; that is accepted over a
// record pointing at nothing, and is logged as a warning only.
func (p *Pipeline) Delete(ctx context.Context, imageID string) error {
	rec, found, err := p.images.Get(ctx, imageID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	deleted, err := p.images.Delete(ctx, imageID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	if rec.ObjectKey != "" {
		if err := p.objects.Delete(ctx, rec.ObjectKey); err != nil {
			slog.Warn("object delete failed, orphaned object remains",
				"image_id", imageID, "object_key", rec.ObjectKey, "err", err)
		}
	}
	return nil
}

// ApplyFeedback records the owner's verdict: the model's label when they
// agree, the complement within the two-label space when they do not.
func (p *Pipeline) ApplyFeedback(ctx context.Context, imageID string, modelPrediction domain.Prediction, userAgrees bool) error {
	if !modelPrediction.Valid() {
		return ErrBadPrediction
	}
	userPrediction := modelPrediction
	if !userAgrees {
		userPrediction = modelPrediction.Complement()
	}
	updated, err := p.images.SetUserPrediction(ctx, imageID, userPrediction)
	if err != nil {
		return err
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

// SaveAccuracy overwrites the user's game score, last write wins. It is
// independent of the detection pipeline.
func (p *Pipeline) SaveAccuracy(ctx context.Context, userID string, accuracy float64) error {
	return p.accuracy.Put(ctx, userID, accuracy)
}

// Get returns one image record.
func (p *Pipeline) Get(ctx context.Context, imageID string) (domain.ImageRecord, error) {
	rec, found, err := p.images.Get(ctx, imageID)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	if !found {
		return domain.ImageRecord{}, ErrNotFound
	}
	return rec, nil
}
