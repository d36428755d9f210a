package domain

import "time"

// Prediction is a classifier label.
type Prediction string

const (
	PredictionReal Prediction = "Real"
	PredictionAI   Prediction = "AI-generated"
)

// Valid reports whether p is one of the two known labels.
func (p Prediction) Valid() bool {
	return p == PredictionReal || p == PredictionAI
}

// Complement returns the other label within the two-label space.
func (p Prediction) Complement() Prediction {
	if p == PredictionReal {
		return PredictionAI
	}
	return PredictionReal
}

// User is a registered account. Usernames are unique within the partition.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ImageRecord is one classified upload. ObjectKey stays empty until the
// object store write has completed; such records are provisional and must
// not be treated as finished uploads.
type ImageRecord struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	ObjectKey       string     `json:"-"`
	OwnerUserID     string     `json:"ownerUserId"`
	ModelPrediction Prediction `json:"modelPrediction"`
	Confidence      float64    `json:"confidence"`
	UserPrediction  Prediction `json:"userPrediction,omitempty"`
	UploadedAt      time.Time  `json:"uploadedAt"`
}

// Provisional reports whether the upload pipeline has not yet stored the
// object bytes for this record.
func (r ImageRecord) Provisional() bool {
	return r.ObjectKey == ""
}

// AccuracyRecord tracks a user's score in the guessing game, one record per
// user, overwritten on every update.
type AccuracyRecord struct {
	OwnerUserID string    `json:"ownerUserId"`
	Accuracy    float64   `json:"accuracy"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
