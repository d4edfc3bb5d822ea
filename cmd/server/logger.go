package main

import (
	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/config"
	"github.com/avolkov/libresync/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
}
