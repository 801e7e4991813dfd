package bootstrap

import (
	"market_maker/internal/core"
	"market_maker/pkg/logging"
)

// InitLogger builds the process-wide core.ILogger from System.LogLevel,
// tagged with the grid's symbol so every downstream log line carries it.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		return nil, err
	}
	if cfg.GridSystem.Symbol != "" {
		logger = logger.WithField("symbol", cfg.GridSystem.Symbol)
	}
	return logger, nil
}
