package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aidetector/pkg/domain"
	"aidetector/pkg/metadata"
)

type accuracyDoc struct {
	OwnerUserID string    `json:"user_id"`
	Accuracy    float64   `json:"accuracy"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Accuracy stores one game-score record per user, last write wins.
type Accuracy struct {
	p metadata.Partition
}

// NewAccuracy builds the accuracy repository on the "accuracy" partition.
func NewAccuracy(store metadata.Store) *Accuracy {
	return &Accuracy{p: store.Partition("accuracy")}
}

// Put overwrites the user's record unconditionally.
func (s *Accuracy) Put(ctx context.Context, userID string, accuracy float64) error {
	raw, err := json.Marshal(accuracyDoc{
		OwnerUserID: userID,
		Accuracy:    accuracy,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.p.Put(ctx, userID, raw)
}

// Get returns the user's record, if any.
func (s *Accuracy) Get(ctx context.Context, userID string) (domain.AccuracyRecord, bool, error) {
	raw, found, err := s.p.Get(ctx, userID)
	if err != nil || !found {
		return domain.AccuracyRecord{}, false, err
	}
	var doc accuracyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.AccuracyRecord{}, false, fmt.Errorf("decode accuracy: %w", err)
	}
	return domain.AccuracyRecord{
		OwnerUserID: doc.OwnerUserID,
		Accuracy:    doc.Accuracy,
		UpdatedAt:   doc.UpdatedAt,
	}, true, nil
}
