package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	usageeventdomain "github.com/smallbiznis/reserva/internal/usageevent/domain"
	"github.com/smallbiznis/reserva/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) usageeventdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usageevent.service"),
	}
}

// Record appends one usage event, deduplicated on (source, idempotency
// key). It runs in its own short transaction so the caller's settlement
// transaction is never held open or rolled back by audit emission.
func (s *Service) Record(ctx context.Context, in usageeventdomain.RecordInput) error {
	source := strings.TrimSpace(in.SourceSystem)
	eventType := strings.TrimSpace(in.EventType)
	key := strings.TrimSpace(in.IdempotencyKey)
	if source == "" || eventType == "" || key == "" {
		s.log.Warn("usage event dropped: missing source, type or key",
			zap.String("source", source),
			zap.String("event_type", eventType),
		)
		return nil
	}

	payload := datatypes.JSONMap{}
	for k, v := range in.Payload {
		payload[k] = v
	}

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO usage_events (
			id, source_system, event_type, account_id, payload, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_system, idempotency_key) DO NOTHING`,
		uuid.NewString(),
		source,
		eventType,
		in.AccountID,
		payload,
		key,
		time.Now().UTC(),
	)
	if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
		return result.Error
	}
	return nil
}
