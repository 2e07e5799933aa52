// Package httpapi exposes the circulation operations over JSON/HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/lending"
	"github.com/mistakeknot/circulate/internal/notify"
	"github.com/mistakeknot/circulate/internal/reservation"
)

type Service struct {
	loans         *lending.Machine
	reservations  *reservation.Queue
	books         *inventory.Ledger
	notifications *notify.Dispatcher
	loc           *time.Location
	health        func(context.Context) error
	logger        *slog.Logger
}

func NewService(loans *lending.Machine, reservations *reservation.Queue, books *inventory.Ledger, notifications *notify.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		loans:         loans,
		reservations:  reservations,
		books:         books,
		notifications: notifications,
		loc:           time.UTC,
		logger:        logger,
	}
}

// WithLocation sets the zone used for month boundaries in stats.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithHealthCheck installs the probe behind /healthz.
func (s *Service) WithHealthCheck(fn func(context.Context) error) *Service {
	s.health = fn
	return s
}
