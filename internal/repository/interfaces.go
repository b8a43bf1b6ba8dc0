package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
)

// ErrNotFound is returned when a requested item does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write finds the store in a different state
// than expected, such as records already removed by another settlement.
var ErrConflict = errors.New("conflict")

// ErrRejected is returned when the store refused a request outright.
// Repeating the same request will not succeed.
var ErrRejected = errors.New("rejected")

// All repository interfaces in one file
type (
	// ReferenceStore serves the catalogs behind the filter selectors.
	ReferenceStore interface {
		ListDoctors(ctx context.Context, creds model.Credentials, siteID string) ([]string, error)
		ListAssistants(ctx context.Context, creds model.Credentials, siteID string) ([]string, error)
		ListServices(ctx context.Context, creds model.Credentials) ([]model.ServiceItem, error)
		ListPaymentMethods(ctx context.Context, creds model.Credentials) ([]string, error)
	}

	// RecordStore is the clinic record store the settlement view works on.
	RecordStore interface {
		ReferenceStore
		GetPercentage(ctx context.Context, creds model.Credentials, ruleID int) (decimal.Decimal, error)
		ListRecords(ctx context.Context, creds model.Credentials, siteID string) ([]model.Record, error)
		CreateSettlement(ctx context.Context, creds model.Credentials, s *model.Settlement) error
		DeleteRecords(ctx context.Context, creds model.Credentials, siteID string, ids []string) error
		ListSettlements(ctx context.Context, creds model.Credentials, practitioner string) ([]model.Settlement, error)
	}

	// AtomicSettler is implemented by stores that can persist a settlement
	// and delete its records in one transaction.
	AtomicSettler interface {
		Settle(ctx context.Context, creds model.Credentials, s *model.Settlement) error
	}

	// PendingDeletionQueue holds record deletions to retry. Pop returns
	// (nil, nil) when the queue is empty.
	PendingDeletionQueue interface {
		Push(ctx context.Context, p *model.PendingDeletion) error
		Pop(ctx context.Context) (*model.PendingDeletion, error)
	}
)
