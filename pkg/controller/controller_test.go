package controller

import (
	"log/slog"

	"github.com/raterudder/chargerudder/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
