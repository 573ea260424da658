package workorder

import (
	"github.com/smallbiznis/reserva/internal/workorder/domain"
	"github.com/smallbiznis/reserva/internal/workorder/repository"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("workorder.repository",
	fx.Provide(func(conn *gorm.DB) domain.Reader {
		return repository.NewRepository(conn)
	}),
)
