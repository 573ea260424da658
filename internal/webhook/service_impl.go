package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/idempotency"
	"github.com/smallbiznis/reserva/internal/observability/metrics"
	"github.com/smallbiznis/reserva/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidEvent marks a delivery missing its provider, event id, or,
// for money-moving events, the account key or a positive amount.
var ErrInvalidEvent = errors.New("invalid_webhook_event")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Accounts accountdomain.Service
	Credits  creditdomain.Service
	Store    *idempotency.Store
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	accounts accountdomain.Service
	credits  creditdomain.Service
	store    *idempotency.Store
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		genID:    p.GenID,
		accounts: p.Accounts,
		credits:  p.Credits,
		store:    p.Store,
		metrics:  p.Metrics,
	}
}

// Ingest handles one provider delivery at most once per
// (provider, event id). Redeliveries replay the recorded outcome; the
// wallet grant itself is additionally deduplicated by its ledger key, so
// even a partially failed first attempt cannot double-credit.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	provider := strings.TrimSpace(in.Provider)
	eventID := strings.TrimSpace(in.EventID)
	if provider == "" || eventID == "" {
		return nil, ErrInvalidEvent
	}

	fp := eventFingerprint(provider, eventID, in.EventType, in.AccountExternalKey, in.Amount)
	raw, replayed, err := s.store.Execute(ctx, "webhook:"+provider, eventID, fp,
		func(ctx context.Context) (any, error) {
			return s.process(ctx, provider, eventID, in)
		})
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "error")
		return nil, err
	}

	var result IngestResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	result.Duplicate = replayed

	outcome := result.Status
	if replayed {
		outcome = "duplicate"
	}
	s.metrics.RecordWebhookEvent(ctx, provider, outcome)
	return &result, nil
}

func (s *Service) process(ctx context.Context, provider, eventID string, in IngestInput) (*IngestResult, error) {
	eventType := strings.TrimSpace(in.EventType)
	status := EventStatusIgnored
	if eventType == EventTypeTopupSucceeded {
		status = EventStatusProcessed
		if strings.TrimSpace(in.AccountExternalKey) == "" || in.Amount <= 0 {
			return nil, ErrInvalidEvent
		}
	}

	result := &IngestResult{EventID: eventID, Status: string(status)}

	var account *accountdomain.Account
	if status == EventStatusProcessed {
		var err error
		account, err = s.accounts.GetOrCreateAccount(ctx, in.AccountExternalKey, accountdomain.AccountKindTenant)
		if err != nil {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payload := datatypes.JSONMap{}
		for k, v := range in.Payload {
			payload[k] = v
		}
		insert := tx.Exec(
			`INSERT INTO payment_webhook_events (id, provider, provider_event_id, event_type, status, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
			s.genID.Generate(),
			provider,
			eventID,
			eventType,
			status,
			payload,
			time.Now().UTC(),
		)
		if insert.Error != nil && !db.IsDuplicateKeyErr(insert.Error) {
			return insert.Error
		}

		if status != EventStatusProcessed {
			return nil
		}

		grant, err := s.credits.GrantTx(ctx, tx, creditdomain.GrantInput{
			Account:        accountdomain.AccountRef{ID: account.ID},
			Amount:         in.Amount,
			Reason:         creditdomain.LedgerReasonTopup,
			IdempotencyKey: fmt.Sprintf("webhook:%s:%s", provider, eventID),
			Metadata: map[string]any{
				"provider":          provider,
				"provider_event_id": eventID,
			},
		})
		if err != nil {
			return err
		}
		result.AccountID = grant.AccountID
		result.Amount = grant.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("webhook event ingested",
		zap.String("provider", provider),
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
		zap.String("status", string(status)),
	)
	return result, nil
}

func eventFingerprint(provider, eventID, eventType, externalKey string, amount int64) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		provider, eventID, eventType, externalKey, strconv.FormatInt(amount, 10),
	}, "|")))
	return hex.EncodeToString(sum[:])
}
