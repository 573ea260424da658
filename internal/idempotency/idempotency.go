// Package idempotency is a stored-response idempotency store for edge
// surfaces that need to replay a full prior response, not just detect a
// duplicate. The credit ledger carries its own duplicate suppression; this
// table serves callers outside the settlement transaction, such as webhook
// ingestion.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrKeyReused marks a key replayed with a different request body.
var ErrKeyReused = errors.New("idempotency_key_reused_for_different_request")

// Record is one completed operation keyed by (scope, key).
type Record struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Scope       string         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_scope_key,priority:1"`
	Key         string         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_scope_key,priority:2"`
	Fingerprint string         `gorm:"type:text;not null"`
	Response    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "idempotency_records" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewStore(p Params) *Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("idempotency.store"),
		genID: p.GenID,
	}
}

// Execute runs fn at most once per (scope, key). A repeat call with the
// same fingerprint replays the stored response without running fn; a
// repeat with a different fingerprint fails with ErrKeyReused. The
// response is stored only after fn succeeds, so a failed fn can be
// retried under the same key.
func (s *Store) Execute(ctx context.Context, scope, key, fingerprint string, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	existing, err := s.find(ctx, scope, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return nil, false, ErrKeyReused
		}
		return json.RawMessage(existing.Response), true, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	response, err := json.Marshal(out)
	if err != nil {
		return nil, false, err
	}

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (id, scope, key, fingerprint, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, key) DO NOTHING`,
		s.genID.Generate(),
		scope,
		key,
		fingerprint,
		datatypes.JSON(response),
		time.Now().UTC(),
	)
	if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
		return nil, false, result.Error
	}
	if result.Error == nil && result.RowsAffected > 0 {
		return response, false, nil
	}

	// Lost the insert race; the winner's stored response is authoritative.
	winner, err := s.find(ctx, scope, key)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return response, false, nil
	}
	if winner.Fingerprint != fingerprint {
		return nil, false, ErrKeyReused
	}
	return json.RawMessage(winner.Response), true, nil
}

func (s *Store) find(ctx context.Context, scope, key string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

var Module = fx.Module("idempotency.store",
	fx.Provide(NewStore),
)
