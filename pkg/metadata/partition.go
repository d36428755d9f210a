// Package metadata provides a single-partition record store. All records of a
// kind live under one logical partition keyed by tenant, with the record id as
// the only discriminator; there are no secondary indexes. Lookups that are not
// by id are done by scanning the partition and filtering client-side, which is
// O(partition size) and bounded by the scan ceiling below.
package metadata

import (
	"context"
	"errors"
	"fmt"
)

const (
	// scanPageSize is how many records one backend page fetch returns.
	scanPageSize = 200
	// scanMaxRecords caps a full partition scan. This is a deliberate scope
	// limit: the system targets moderate data volumes, not unbounded growth.
	scanMaxRecords = 2000
)

var (
	// ErrConflict is returned by Insert when a record with the same id exists.
	ErrConflict = errors.New("record already exists")

	// ErrUnavailable wraps transport and credential failures from the backing
	// store. Raw backend errors never cross this package's boundary.
	ErrUnavailable = errors.New("metadata backend unavailable")
)

// Partition is conditional per-record access to one partition. Insert fails on
// an existing id, Patch and Delete report whether the record existed, Put
// overwrites unconditionally (last-write-wins), and ScanAll pages through the
// whole partition up to the scan ceiling. Documents are JSON objects.
type Partition interface {
	Insert(ctx context.Context, id string, doc []byte) error
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Patch(ctx context.Context, id string, patch []byte) (bool, error)
	Put(ctx context.Context, id string, doc []byte) error
	Delete(ctx context.Context, id string) (bool, error)
	ScanAll(ctx context.Context) ([][]byte, error)
}

// Store hands out partitions per record kind under one logical tenant.
type Store interface {
	Partition(kind string) Partition
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
