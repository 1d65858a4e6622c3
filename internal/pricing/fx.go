package pricing

import (
	"github.com/smallbiznis/pagebill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pricing",
	fx.Provide(provideTable),
)

func provideTable(cfg config.Config, log *zap.Logger) (*Table, error) {
	table, err := Load(cfg.Credits.PricingFile)
	if err != nil {
		return nil, err
	}
	log.Info("pricing table loaded",
		zap.String("path", cfg.Credits.PricingFile),
		zap.Int("prices", table.Len()),
	)
	return table, nil
}
