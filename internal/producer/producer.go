// Package producer discovers candidates from external bounty sources.
package producer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/daimoniac/bountyline/internal/types"
)

// Producer yields the candidates currently listed by one source. Returned
// candidates carry no ID and no status; the coordinator assigns both.
type Producer interface {
	Name() string
	Poll(ctx context.Context) ([]types.Candidate, error)
}

// restyLogger forwards resty's printf-style logging to slog
type restyLogger struct {
	logger *slog.Logger
}

func newRestyLogger(logger *slog.Logger) resty.Logger {
	return &restyLogger{logger: logger}
}

func (a *restyLogger) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *restyLogger) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...))
}

func (a *restyLogger) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}
