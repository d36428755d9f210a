package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the requested image record does not exist.
	ErrNotFound = errors.New("image not found")

	// ErrBadPrediction means a label outside {Real, AI-generated}.
	ErrBadPrediction = errors.New("invalid prediction label")
)

// Upload stages that can fail after the metadata insert succeeded.
const (
	StageStoreObject    = "store_object"
	StagePatchObjectKey = "patch_object_key"
)

// PartialFailureError reports an upload that failed after its metadata record
// was created. The record stays behind in the provisional state (empty object
// key); nothing cleans it up automatically.
type PartialFailureError struct {
	ImageID string
	Stage   string
	Err     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("upload %s: %s failed: %v", e.ImageID, e.Stage, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }
