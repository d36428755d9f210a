package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aidetector/pkg/domain"
	"aidetector/pkg/metadata"
)

type imageDoc struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	ObjectKey      string    `json:"object_key"`
	OwnerUserID    string    `json:"user_id"`
	Prediction     string    `json:"prediction"`
	Confidence     float64   `json:"confidence"`
	UserPrediction string    `json:"user_prediction,omitempty"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

func imageToDoc(r domain.ImageRecord) imageDoc {
	return imageDoc{
		ID:             r.ID,
		Filename:       r.Filename,
		ObjectKey:      r.ObjectKey,
		OwnerUserID:    r.OwnerUserID,
		Prediction:     string(r.ModelPrediction),
		Confidence:     r.Confidence,
		UserPrediction: string(r.UserPrediction),
		UploadedAt:     r.UploadedAt,
	}
}

func (d imageDoc) toDomain() domain.ImageRecord {
	return domain.ImageRecord{
		ID:              d.ID,
		Filename:        d.Filename,
		ObjectKey:       d.ObjectKey,
		OwnerUserID:     d.OwnerUserID,
		ModelPrediction: domain.Prediction(d.Prediction),
		Confidence:      d.Confidence,
		UserPrediction:  domain.Prediction(d.UserPrediction),
		UploadedAt:      d.UploadedAt,
	}
}

// Images stores classified uploads.
type Images struct {
	p metadata.Partition
}

// NewImages builds the image repository on the "images" partition.
func NewImages(store metadata.Store) *Images {
	return &Images{p: store.Partition("images")}
}

// Insert writes a new record; the id must be fresh.
func (s *Images) Insert(ctx context.Context, rec domain.ImageRecord) error {
	raw, err := json.Marshal(imageToDoc(rec))
	if err != nil {
		return err
	}
	return s.p.Insert(ctx, rec.ID, raw)
}

// Get returns a record by id.
func (s *Images) Get(ctx context.Context, id string) (domain.ImageRecord, bool, error) {
	raw, found, err := s.p.Get(ctx, id)
	if err != nil || !found {
		return domain.ImageRecord{}, false, err
	}
	var doc imageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ImageRecord{}, false, fmt.Errorf("decode image: %w", err)
	}
	return doc.toDomain(), true, nil
}

// SetObjectKey patches only the object key, completing a provisional record.
func (s *Images) SetObjectKey(ctx context.Context, id, key string) (bool, error) {
	patch, _ := json.Marshal(map[string]string{"object_key": key})
	return s.p.Patch(ctx, id, patch)
}

// SetUserPrediction patches only the owner's feedback label.
func (s *Images) SetUserPrediction(ctx context.Context, id string, prediction domain.Prediction) (bool, error) {
	patch, _ := json.Marshal(map[string]string{"user_prediction": string(prediction)})
	return s.p.Patch(ctx, id, patch)
}

// Delete removes a record and reports whether it existed.
func (s *Images) Delete(ctx context.Context, id string) (bool, error) {
	return s.p.Delete(ctx, id)
}

// ScanAll returns the capped full partition in scan order.
func (s *Images) ScanAll(ctx context.Context) ([]domain.ImageRecord, error) {
	docs, err := s.p.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]domain.ImageRecord, 0, len(docs))
	for _, raw := range docs {
		var doc imageDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		recs = append(recs, doc.toDomain())
	}
	return recs, nil
}
