package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
)

// recordStore serves records and settlements from tables owned by this
// service. Credentials are accepted for interface parity and ignored.
type recordStore struct {
	BaseRepository
}

// Store is a RecordStore that can also settle atomically.
type Store interface {
	repository.RecordStore
	repository.AtomicSettler
}

func NewRecordStore(base BaseRepository) Store {
	return &recordStore{base}
}

const recordColumns = `
	id, site_id, patient_name, patient_document, practitioner_name, service,
	date, completion_date, total, paid, remaining, deposit, deposit_method,
	discount, payment_method, sessions_completed, sessions_to_complete,
	own_patient, percentage_rule_id`

const settlementColumns = `
	id, practitioner, practitioner_type, site_id, date_from, date_to,
	services, total, settled_on`

func (r *recordStore) listPractitioners(ctx context.Context, siteID string, kind model.PractitionerType) ([]string, error) {
	query := `
		SELECT name FROM practitioners
		WHERE site_id = $1 AND kind = $2
		ORDER BY name
	`
	var names []string
	if err := r.db.SelectContext(ctx, &names, query, siteID, string(kind)); err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", kind, err)
	}
	return names, nil
}

func (r *recordStore) ListDoctors(ctx context.Context, _ model.Credentials, siteID string) ([]string, error) {
	return r.listPractitioners(ctx, siteID, model.PractitionerDoctor)
}

func (r *recordStore) ListAssistants(ctx context.Context, _ model.Credentials, siteID string) ([]string, error) {
	return r.listPractitioners(ctx, siteID, model.PractitionerAssistant)
}

func (r *recordStore) ListServices(ctx context.Context, _ model.Credentials) ([]model.ServiceItem, error) {
	var services []model.ServiceItem
	if err := r.db.SelectContext(ctx, &services, `SELECT name, price FROM services ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return services, nil
}

func (r *recordStore) ListPaymentMethods(ctx context.Context, _ model.Credentials) ([]string, error) {
	var methods []string
	if err := r.db.SelectContext(ctx, &methods, `SELECT name FROM payment_methods ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	return methods, nil
}

func (r *recordStore) GetPercentage(ctx context.Context, _ model.Credentials, ruleID int) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.db.GetContext(ctx, &rate, `SELECT rate FROM percentage_rules WHERE id = $1`, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("percentage rule %d: %w", ruleID, repository.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get percentage rule: %w", err)
	}
	return rate, nil
}

func (r *recordStore) ListRecords(ctx context.Context, _ model.Credentials, siteID string) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE site_id = $1
		ORDER BY date, id
	`
	var records []model.Record
	if err := r.db.SelectContext(ctx, &records, query, siteID); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

func insertSettlement(ctx context.Context, ext sqlx.ExecerContext, s *model.Settlement) error {
	query := `
		INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := ext.ExecContext(ctx, query,
		s.ID,
		s.Practitioner,
		string(s.PractitionerType),
		s.SiteID,
		s.From,
		s.To,
		s.Services,
		s.Total,
		s.SettledOn,
	)
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func deleteRecords(ctx context.Context, ext sqlx.ExecerContext, siteID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM records WHERE site_id = $1 AND id = ANY($2)`
	result, err := ext.ExecContext(ctx, query, siteID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted records: %w", err)
	}
	return deleted, nil
}

func (r *recordStore) CreateSettlement(ctx context.Context, _ model.Credentials, s *model.Settlement) error {
	return insertSettlement(ctx, r.db, s)
}

// DeleteRecords is idempotent: ids already gone are not an error.
func (r *recordStore) DeleteRecords(ctx context.Context, _ model.Credentials, siteID string, ids []string) error {
	_, err := deleteRecords(ctx, r.db, siteID, ids)
	return err
}

// Settle stores the settlement and removes its records in one transaction.
// It fails with repository.ErrConflict, rolling back, when any record is
// already gone.
func (r *recordStore) Settle(ctx context.Context, _ model.Credentials, s *model.Settlement) error {
	ids := s.RecordIDs()
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertSettlement(ctx, tx, s); err != nil {
			return err
		}
		deleted, err := deleteRecords(ctx, tx, s.SiteID, ids)
		if err != nil {
			return err
		}
		if deleted != int64(len(ids)) {
			return fmt.Errorf("deleted %d of %d records: %w", deleted, len(ids), repository.ErrConflict)
		}
		return nil
	})
}

func (r *recordStore) ListSettlements(ctx context.Context, _ model.Credentials, practitioner string) ([]model.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
		FROM settlements
		WHERE ($1 = '' OR practitioner = $1)
		ORDER BY settled_on DESC, created_at DESC
	`
	var settlements []model.Settlement
	if err := r.db.SelectContext(ctx, &settlements, query, practitioner); err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}
