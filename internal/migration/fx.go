package migration

import (
	"strings"

	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/config"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/idempotency"
	usageeventdomain "github.com/smallbiznis/reserva/internal/usageevent/domain"
	"github.com/smallbiznis/reserva/internal/webhook"
	workorderdomain "github.com/smallbiznis/reserva/internal/workorder/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		return AutoMigrate(conn)
	}),
)

// AutoMigrate covers the non-postgres dialects (sqlite in tests and dev,
// mysql) where the embedded SQL does not apply.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.BillingPolicy{},
		&creditdomain.CreditBalance{},
		&creditdomain.CreditReservation{},
		&creditdomain.CreditLedgerEntry{},
		&creditdomain.CreditRefillSchedule{},
		&workorderdomain.WorkOrder{},
		&workorderdomain.Delivery{},
		&idempotency.Record{},
		&usageeventdomain.UsageEvent{},
		&webhook.PaymentWebhookEvent{},
	)
}
