package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recordModel maps a partitioned JSON document onto one relational row. The
// (tenant, kind, record_id) triple preserves per-record uniqueness and the
// partition-wide scan the access layer relies on.
type recordModel struct {
	Tenant   string         `gorm:"primaryKey;size:128"`
	Kind     string         `gorm:"primaryKey;size:32"`
	RecordID string         `gorm:"primaryKey;size:96"`
	Doc      datatypes.JSON `gorm:"not null"`
}

func (recordModel) TableName() string { return "metadata_records" }

// GormStore implements Store on Postgres, for deployments without Redis.
type GormStore struct {
	db     *gorm.DB
	tenant string
}

// NewGormStore opens the database and runs auto-migrations.
func NewGormStore(dsn, tenant string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, tenant: tenant}, nil
}

// Partition returns the partition for one record kind.
func (s *GormStore) Partition(kind string) Partition {
	return &gormPartition{db: s.db, tenant: s.tenant, kind: kind}
}

type gormPartition struct {
	db     *gorm.DB
	tenant string
	kind   string
}

func (p *gormPartition) scoped(tx *gorm.DB) *gorm.DB {
	return tx.Where("tenant = ? AND kind = ?", p.tenant, p.kind)
}

func (p *gormPartition) Insert(ctx context.Context, id string, doc []byte) error {
	model := recordModel{Tenant: p.tenant, Kind: p.kind, RecordID: id, Doc: doc}
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return unavailable("insert", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (p *gormPartition) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var model recordModel
	err := p.scoped(p.db.WithContext(ctx)).Where("record_id = ?", id).First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return []byte(model.Doc), true, nil
}

func (p *gormPartition) Patch(ctx context.Context, id string, patch []byte) (bool, error) {
	updated := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model recordModel
		err := p.scoped(tx.Clauses(clause.Locking{Strength: "UPDATE"})).
			Where("record_id = ?", id).First(&model).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		merged, err := mergeJSON([]byte(model.Doc), patch)
		if err != nil {
			return err
		}
		if err := p.scoped(tx.Model(&recordModel{})).
			Where("record_id = ?", id).
			Update("doc", datatypes.JSON(merged)).Error; err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, unavailable("patch", err)
	}
	return updated, nil
}

func (p *gormPartition) Put(ctx context.Context, id string, doc []byte) error {
	model := recordModel{Tenant: p.tenant, Kind: p.kind, RecordID: id, Doc: doc}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (p *gormPartition) Delete(ctx context.Context, id string) (bool, error) {
	res := p.scoped(p.db.WithContext(ctx)).Where("record_id = ?", id).Delete(&recordModel{})
	if res.Error != nil {
		return false, unavailable("delete", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (p *gormPartition) ScanAll(ctx context.Context) ([][]byte, error) {
	var docs [][]byte
	for offset := 0; len(docs) < scanMaxRecords; offset += scanPageSize {
		var models []recordModel
		err := p.scoped(p.db.WithContext(ctx)).
			Order("record_id ASC").
			Offset(offset).
			Limit(scanPageSize).
			Find(&models).Error
		if err != nil {
			return nil, unavailable("scan", err)
		}
		for _, m := range models {
			docs = append(docs, []byte(m.Doc))
		}
		if len(models) < scanPageSize {
			break
		}
	}
	if len(docs) > scanMaxRecords {
		docs = docs[:scanMaxRecords]
	}
	return docs, nil
}

// mergeJSON applies the patch's top-level fields onto doc, leaving every
// other field untouched.
func mergeJSON(doc, patch []byte) ([]byte, error) {
	var base, delta map[string]any
	if err := json.Unmarshal(doc, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, err
	}
	for k, v := range delta {
		base[k] = v
	}
	return json.Marshal(base)
}
