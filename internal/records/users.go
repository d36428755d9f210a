// Package records is the typed access layer over the metadata partitions:
// one partition per record kind, JSON documents on the wire, domain types at
// the boundary.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aidetector/pkg/auth"
	"aidetector/pkg/domain"
	"aidetector/pkg/metadata"
)

type userDoc struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

func (d userDoc) toDomain() domain.User {
	return domain.User{
		ID:           d.ID,
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		IsAdmin:      d.IsAdmin,
		CreatedAt:    d.CreatedAt,
	}
}

// Users stores user accounts.
type Users struct {
	p metadata.Partition
}

// NewUsers builds the user repository on the "users" partition.
func NewUsers(store metadata.Store) *Users {
	return &Users{p: store.Partition("users")}
}

// Register creates a user, idempotently: when the username already exists the
// existing record is returned and no error is raised, so repeated
// registration calls always yield the same id.
func (u *Users) Register(ctx context.Context, username, password string, isAdmin bool) (domain.User, error) {
	existing, found, err := u.GetByUsername(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if found {
		return existing, nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	doc := userDoc{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.User{}, err
	}
	if err := u.p.Insert(ctx, doc.ID, raw); err != nil {
		if errors.Is(err, metadata.ErrConflict) {
			// Lost an id race; the record that won is the user.
			if existing, found, err := u.GetByUsername(ctx, username); err == nil && found {
				return existing, nil
			}
		}
		return domain.User{}, err
	}
	return doc.toDomain(), nil
}

// GetByID returns a user by record id.
func (u *Users) GetByID(ctx context.Context, id string) (domain.User, bool, error) {
	raw, found, err := u.p.Get(ctx, id)
	if err != nil || !found {
		return domain.User{}, false, err
	}
	var doc userDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.User{}, false, fmt.Errorf("decode user: %w", err)
	}
	return doc.toDomain(), true, nil
}

// GetByUsername scans the partition and filters client-side. The store has no
// secondary index on username, so this costs O(partition size); the scan
// ceiling keeps that acceptable.
func (u *Users) GetByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	docs, err := u.p.ScanAll(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	for _, raw := range docs {
		var doc userDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return domain.User{}, false, fmt.Errorf("decode user: %w", err)
		}
		if doc.Username == username {
			return doc.toDomain(), true, nil
		}
	}
	return domain.User{}, false, nil
}

// Authenticate resolves credentials to a user. A missing username and a wrong
// password are indistinguishable to the caller.
func (u *Users) Authenticate(ctx context.Context, username, password string) (domain.User, bool, error) {
	user, found, err := u.GetByUsername(ctx, username)
	if err != nil || !found {
		return domain.User{}, false, err
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, false, nil
	}
	return user, true, nil
}
