// Package query builds filtered, sorted, paginated views over the image
// partition. The order of operations is fixed: filter, then sort, then slice.
// Filters must see the full (capped) data set; slicing a page first would
// return wrong pages whenever a filter is active.
package query

import (
	"context"
	"errors"
	"sort"
	"strings"

	"aidetector/pkg/domain"
)

// ErrBadSortField is returned in strict mode for a sort field outside the
// allow-list.
var ErrBadSortField = errors.New("invalid sort field")

const (
	SortUploadedAt = "uploaded_at"
	SortID         = "id"
	SortFilename   = "filename"
	SortPrediction = "prediction"
	// SortImageID is accepted as an alias of SortID.
	SortImageID = "image_id"
)

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ImageSource yields the capped partition scan.
type ImageSource interface {
	ScanAll(ctx context.Context) ([]domain.ImageRecord, error)
}

// UserResolver maps a username filter to a user.
type UserResolver interface {
	GetByUsername(ctx context.Context, username string) (domain.User, bool, error)
}

// Params shape one listing request. Zero Limit means 10. Strict controls how
// an unknown SortBy is handled: admin callers reject it as a bad request,
// the default listing path silently falls back to uploaded_at.
type Params struct {
	Limit      int
	Offset     int
	SortBy     string
	Order      string
	Username   string
	Prediction string
	Strict     bool
}

// Engine reads from the metadata store and never mutates it.
type Engine struct {
	images ImageSource
	users  UserResolver
}

// New builds a query engine.
func New(images ImageSource, users UserResolver) *Engine {
	return &Engine{images: images, users: users}
}

// List returns one page of image records: filter, sort, slice, in that order.
// An unknown username filter yields an empty result, not an error.
func (e *Engine) List(ctx context.Context, p Params) ([]domain.ImageRecord, error) {
	sortBy, err := normalizeSortField(p.SortBy, p.Strict)
	if err != nil {
		return nil, err
	}

	recs, err := e.images.ScanAll(ctx)
	if err != nil {
		return nil, err
	}

	if p.Username != "" {
		owner, found, err := e.users.GetByUsername(ctx, p.Username)
		if err != nil {
			return nil, err
		}
		if !found {
			return []domain.ImageRecord{}, nil
		}
		recs = filter(recs, func(r domain.ImageRecord) bool {
			return r.OwnerUserID == owner.ID
		})
	}

	if p.Prediction != "" {
		recs = filter(recs, func(r domain.ImageRecord) bool {
			return string(r.ModelPrediction) == p.Prediction
		})
	}

	sortRecords(recs, sortBy, strings.EqualFold(p.Order, OrderAsc))

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []domain.ImageRecord{}, nil
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end], nil
}

func normalizeSortField(field string, strict bool) (string, error) {
	switch field {
	case SortUploadedAt, SortID, SortFilename, SortPrediction:
		return field, nil
	case SortImageID:
		return SortID, nil
	case "":
		return SortUploadedAt, nil
	default:
		if strict {
			return "", ErrBadSortField
		}
		return SortUploadedAt, nil
	}
}

// sortRecords sorts in place. Order defaults to descending; ties keep the
// original scan order (the sort is stable and the comparison never inverts
// equality).
func sortRecords(recs []domain.ImageRecord, field string, asc bool) {
	less := func(a, b domain.ImageRecord) bool {
		switch field {
		case SortID:
			return a.ID < b.ID
		case SortFilename:
			return a.Filename < b.Filename
		case SortPrediction:
			return a.ModelPrediction < b.ModelPrediction
		default:
			return a.UploadedAt.Before(b.UploadedAt)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if asc {
			return less(recs[i], recs[j])
		}
		return less(recs[j], recs[i])
	})
}

func filter(recs []domain.ImageRecord, keep func(domain.ImageRecord) bool) []domain.ImageRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
