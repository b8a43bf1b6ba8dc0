package liquidation

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/clinic-liquidation/internal/export"
	core "github.com/jwalitptl/clinic-liquidation/internal/liquidation"
	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	"github.com/jwalitptl/clinic-liquidation/pkg/errors"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/messaging"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
)

// EventSettled is published after each successful settlement.
const EventSettled = "liquidation.settled"

// ExportSheet is the worksheet name of exported files.
const ExportSheet = "Liquidación"

const (
	msgLoadFailed    = "error loading data, please try again"
	msgSettleFailed  = "error settling services, please try again"
	msgHistoryFailed = "error loading settlement history, please try again"

	msgAlreadySettled = "some services were already settled, reload and try again"
)

type LiquidationServicer interface {
	ReferenceData(ctx context.Context, creds model.Credentials, siteID string, kind model.PractitionerType) (*model.ReferenceData, error)
	View(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery, reload bool) (*View, error)
	SettleGroup(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery, key core.GroupKey) (*SettleResult, error)
	SettleAll(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery) (*SettleResult, error)
	Reset(sessionID string, q model.ViewQuery) error
	Export(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery) (*ExportFile, error)
	ListSettlements(ctx context.Context, creds model.Credentials, practitioner string) ([]model.Settlement, error)
}

type Config struct {
	CompletionRule core.CompletionRule
	OwnRuleID      int
	SnapshotTTL    time.Duration
	SessionTTL     time.Duration
	SettledTTL     time.Duration // must outlast the pending-deletion retry window
}

// View is the settlement view of one query.
type View struct {
	Query          model.ViewQuery `json:"query"`
	Complete       []core.Summary  `json:"complete"`
	Pending        []core.Summary  `json:"pending"`
	Settled        []core.Summary  `json:"settled"`
	Total          decimal.Decimal `json:"total"`
	TotalDisplay   string          `json:"total_display"`
	CompleteCount  int             `json:"complete_count"`
	PendingCount   int             `json:"pending_count"`
	RecordCount    int             `json:"record_count"`
	Patients       []string        `json:"patients"`
	Services       []string        `json:"services"`
	CompletionRule string          `json:"completion_rule"`
}

type SettleResult struct {
	Settlement     *model.Settlement `json:"settlement"`
	Settled        []core.Summary    `json:"settled"`
	Total          decimal.Decimal   `json:"total"`
	TotalDisplay   string            `json:"total_display"`
	CleanupPending bool              `json:"cleanup_pending"`
}

type ExportFile struct {
	Name        string
	ContentType string
	Body        []byte
	// Source is "settled" when the export used the last settled groups,
	// "complete" otherwise.
	Source string
}

type Service struct {
	store     repository.RecordStore
	settler   repository.AtomicSettler
	pending   repository.PendingDeletionQueue
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cfg       Config

	snapshots *cache.Cache
	settled   *cache.Cache

	// settledIDs maps a site to the ids it has settled. Loads drop them even
	// when the store still returns them, so a failed delete or a reload that
	// raced a settlement cannot offer them again.
	settledIDs *cache.Cache

	// mu serializes settlements. settledIDs sets are replaced, never mutated.
	mu  sync.Mutex
	now func() time.Time
}

type Option func(*Service)

func WithPendingQueue(q repository.PendingDeletionQueue) Option {
	return func(s *Service) { s.pending = q }
}

func WithPublisher(p messaging.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the settlement service. Stores that implement
// repository.AtomicSettler settle in one call; others persist then delete,
// queueing failed deletions for the worker.
func NewService(store repository.RecordStore, cfg Config, m *metrics.Metrics, log *logger.Logger, opts ...Option) *Service {
	if cfg.CompletionRule == "" {
		cfg.CompletionRule = core.RuleCompletionDate
	}
	if cfg.OwnRuleID == 0 {
		cfg.OwnRuleID = core.DefaultOwnRuleID
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	if cfg.SettledTTL <= 0 {
		cfg.SettledTTL = 24 * time.Hour
	}

	s := &Service{
		store:      store,
		publisher:  messaging.NopPublisher{},
		metrics:    m,
		logger:     log,
		cfg:        cfg,
		snapshots:  cache.New(cfg.SnapshotTTL, 2*cfg.SnapshotTTL),
		settled:    cache.New(cfg.SessionTTL, cfg.SessionTTL),
		settledIDs: cache.New(cfg.SettledTTL, cfg.SettledTTL),
		now:        time.Now,
	}
	if settler, ok := store.(repository.AtomicSettler); ok {
		s.settler = settler
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReferenceData fetches the filter catalogs in parallel. A failing catalog
// is logged and returned empty.
func (s *Service) ReferenceData(ctx context.Context, creds model.Credentials, siteID string, kind model.PractitionerType) (*model.ReferenceData, error) {
	if siteID == "" {
		return nil, errors.BadRequest("site is required", nil)
	}

	ref := &model.ReferenceData{
		Practitioners:  []string{},
		Services:       []model.ServiceItem{},
		PaymentMethods: []string{},
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		list := s.store.ListDoctors
		if kind == model.PractitionerAssistant {
			list = s.store.ListAssistants
		}
		names, err := list(gctx, creds, siteID)
		if err != nil {
			s.logger.Error(err, "failed to load practitioners", "site", siteID, "type", string(kind))
			return nil
		}
		if names != nil {
			ref.Practitioners = names
		}
		return nil
	})
	g.Go(func() error {
		services, err := s.store.ListServices(gctx, creds)
		if err != nil {
			s.logger.Error(err, "failed to load services")
			return nil
		}
		if services != nil {
			ref.Services = services
		}
		return nil
	})
	g.Go(func() error {
		methods, err := s.store.ListPaymentMethods(gctx, creds)
		if err != nil {
			s.logger.Error(err, "failed to load payment methods")
			return nil
		}
		if methods != nil {
			ref.PaymentMethods = methods
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, errors.Upstream(msgLoadFailed, err)
	}
	return ref, nil
}

// load returns the site's records, from the snapshot unless reload is set.
// Records already settled by this service are never returned.
func (s *Service) load(ctx context.Context, creds model.Credentials, siteID string, reload bool) ([]model.Record, error) {
	if !reload {
		if cached, ok := s.snapshots.Get(siteID); ok {
			s.metrics.CacheLookups.WithLabelValues("snapshot", "hit").Inc()
			return s.withoutSettled(siteID, cached.([]model.Record)), nil
		}
		s.metrics.CacheLookups.WithLabelValues("snapshot", "miss").Inc()
	}

	records, err := s.store.ListRecords(ctx, creds, siteID)
	if err != nil {
		s.logger.Error(err, "failed to load records", "site", siteID)
		return nil, errors.Upstream(msgLoadFailed, err)
	}
	records = s.withoutSettled(siteID, records)
	s.snapshots.SetDefault(siteID, records)
	return records, nil
}

func (s *Service) settledSet(siteID string) map[string]struct{} {
	if cached, ok := s.settledIDs.Get(siteID); ok {
		return cached.(map[string]struct{})
	}
	return nil
}

func (s *Service) withoutSettled(siteID string, records []model.Record) []model.Record {
	settled := s.settledSet(siteID)
	if len(settled) == 0 {
		return records
	}
	kept := make([]model.Record, 0, len(records))
	for _, r := range records {
		if _, ok := settled[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	return kept
}

// markSettled records ids as settled for the site. Callers hold s.mu.
func (s *Service) markSettled(siteID string, ids []string) {
	prev := s.settledSet(siteID)
	next := make(map[string]struct{}, len(prev)+len(ids))
	for id := range prev {
		next[id] = struct{}{}
	}
	for _, id := range ids {
		next[id] = struct{}{}
	}
	s.settledIDs.SetDefault(siteID, next)
}

type evaluation struct {
	records  []model.Record
	filtered []model.Record
	complete []core.Line
	pending  []core.Line
}

func (s *Service) evaluate(ctx context.Context, creds model.Credentials, q model.ViewQuery, reload bool) (*evaluation, error) {
	records, err := s.load(ctx, creds, q.SiteID, reload)
	if err != nil {
		return nil, err
	}

	filtered := core.Filter(records, q)
	complete, pending := core.Classify(core.GroupRecords(filtered), s.cfg.CompletionRule)

	rates := core.RateSourceFunc(func(ctx context.Context, ruleID int) (decimal.Decimal, error) {
		return s.store.GetPercentage(ctx, creds, ruleID)
	})
	resolver := core.NewResolver(rates, s.cfg.OwnRuleID)

	return &evaluation{
		records:  records,
		filtered: filtered,
		complete: core.Evaluate(ctx, resolver, complete, q.PractitionerType),
		pending:  core.Evaluate(ctx, resolver, pending, q.PractitionerType),
	}, nil
}

func validateQuery(q model.ViewQuery) error {
	if err := q.Validate(); err != nil {
		return errors.BadRequest(fmt.Sprintf("invalid query: %v", err), err)
	}
	return nil
}

func (s *Service) View(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery, reload bool) (*View, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	ev, err := s.evaluate(ctx, creds, q, reload)
	if err != nil {
		return nil, err
	}

	patients, services := core.Options(ev.records)
	total := core.Sum(ev.complete)
	return &View{
		Query:          q,
		Complete:       core.Summarize(ev.complete),
		Pending:        core.Summarize(ev.pending),
		Settled:        core.Summarize(s.settledLines(sessionID, q)),
		Total:          total,
		TotalDisplay:   core.FormatCOP(total),
		CompleteCount:  len(ev.complete),
		PendingCount:   len(ev.pending),
		RecordCount:    len(ev.filtered),
		Patients:       nonNil(patients),
		Services:       nonNil(services),
		CompletionRule: string(s.cfg.CompletionRule),
	}, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// SettleGroup settles the complete group identified by key.
func (s *Service) SettleGroup(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery, key core.GroupKey) (*SettleResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.evaluate(ctx, creds, q, false)
	if err != nil {
		return nil, err
	}
	for _, l := range ev.complete {
		if l.Group.Key == key {
			return s.settle(ctx, creds, sessionID, q, []core.Line{l}, true)
		}
	}
	for _, l := range ev.pending {
		if l.Group.Key == key {
			return nil, errors.Conflict(fmt.Sprintf("group %s is still pending", key), nil)
		}
	}
	return nil, errors.NotFound(fmt.Sprintf("group %s", key), nil)
}

// SettleAll settles every complete group of the query.
func (s *Service) SettleAll(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery) (*SettleResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.evaluate(ctx, creds, q, false)
	if err != nil {
		return nil, err
	}
	if len(ev.complete) == 0 {
		return nil, errors.Conflict("no complete groups to settle", nil)
	}
	return s.settle(ctx, creds, sessionID, q, ev.complete, false)
}

func (s *Service) settle(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery, lines []core.Line, appendSettled bool) (*SettleResult, error) {
	groups := make(model.SettledGroups, 0, len(lines))
	for _, l := range lines {
		groups = append(groups, l.Group.Records)
	}
	total := core.Sum(lines)
	settlement := &model.Settlement{
		ID:               uuid.New(),
		Practitioner:     q.Practitioner,
		PractitionerType: q.PractitionerType,
		SiteID:           q.SiteID,
		From:             q.From,
		To:               q.To,
		Services:         groups,
		Total:            total,
		SettledOn:        model.DateOf(s.now()),
	}
	ids := settlement.RecordIDs()
	kind := string(q.PractitionerType)
	log := s.logger.WithFields(map[string]interface{}{
		"settlement_id": settlement.ID.String(),
		"site":          q.SiteID,
		"practitioner":  q.Practitioner,
	})

	cleanupPending := false
	if s.settler != nil {
		if err := s.settler.Settle(ctx, creds, settlement); err != nil {
			s.metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
			if stderrors.Is(err, repository.ErrConflict) {
				log.Warn("records already settled elsewhere", "records", len(ids))
				s.snapshots.Delete(q.SiteID)
				return nil, errors.Conflict(msgAlreadySettled, err)
			}
			log.Error(err, "failed to settle")
			return nil, errors.Upstream(msgSettleFailed, err)
		}
	} else {
		if err := s.store.CreateSettlement(ctx, creds, settlement); err != nil {
			s.metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
			log.Error(err, "failed to persist settlement")
			return nil, errors.Upstream(msgSettleFailed, err)
		}
		if err := s.store.DeleteRecords(ctx, creds, q.SiteID, ids); err != nil {
			log.Error(err, "settled records could not be deleted, queueing retry", "records", len(ids))
			cleanupPending = true
			s.queueDeletion(ctx, log, &model.PendingDeletion{
				SettlementID: settlement.ID,
				SiteID:       q.SiteID,
				RecordIDs:    ids,
			})
		}
	}

	s.markSettled(q.SiteID, ids)
	s.dropFromSnapshot(q.SiteID, ids)
	s.rememberSettled(sessionID, q, lines, appendSettled)

	status := "success"
	if cleanupPending {
		status = "cleanup_pending"
	}
	s.metrics.SettlementsTotal.WithLabelValues(kind, status).Inc()
	s.metrics.SettledGroups.WithLabelValues(kind).Add(float64(len(lines)))
	s.metrics.SettledAmount.WithLabelValues(kind).Add(total.InexactFloat64())
	log.Info("settlement created", "groups", len(lines), "total", total.String())

	event := model.SettledEvent{
		SettlementID:     settlement.ID,
		Practitioner:     settlement.Practitioner,
		PractitionerType: settlement.PractitionerType,
		SiteID:           settlement.SiteID,
		Total:            total,
		RecordIDs:        ids,
		SettledOn:        settlement.SettledOn,
		CleanupPending:   cleanupPending,
	}
	if err := s.publisher.Publish(ctx, EventSettled, event); err != nil {
		log.Error(err, "failed to publish settlement event")
	}

	return &SettleResult{
		Settlement:     settlement,
		Settled:        core.Summarize(lines),
		Total:          total,
		TotalDisplay:   core.FormatCOP(total),
		CleanupPending: cleanupPending,
	}, nil
}

func (s *Service) queueDeletion(ctx context.Context, log *logger.Logger, p *model.PendingDeletion) {
	if s.pending == nil {
		log.Warn("no pending deletion queue configured, records left in store", "records", len(p.RecordIDs))
		return
	}
	if err := s.pending.Push(ctx, p); err != nil {
		log.Error(err, "failed to queue pending deletion")
		return
	}
	s.metrics.PendingDeletionsQueued.Inc()
}

func (s *Service) dropFromSnapshot(siteID string, ids []string) {
	cached, ok := s.snapshots.Get(siteID)
	if !ok {
		return
	}
	s.snapshots.SetDefault(siteID, core.Without(cached.([]model.Record), ids))
}

func sessionKey(sessionID string, q model.ViewQuery) string {
	return sessionID + "#" + q.Key()
}

func (s *Service) settledLines(sessionID string, q model.ViewQuery) []core.Line {
	if cached, ok := s.settled.Get(sessionKey(sessionID, q)); ok {
		return cached.([]core.Line)
	}
	return nil
}

func (s *Service) rememberSettled(sessionID string, q model.ViewQuery, lines []core.Line, appendSettled bool) {
	next := append([]core.Line(nil), lines...)
	if appendSettled {
		next = append(append([]core.Line(nil), s.settledLines(sessionID, q)...), lines...)
	}
	s.settled.SetDefault(sessionKey(sessionID, q), next)
}

// Reset forgets the groups settled in this session for q.
func (s *Service) Reset(sessionID string, q model.ViewQuery) error {
	if err := validateQuery(q); err != nil {
		return err
	}
	s.settled.Delete(sessionKey(sessionID, q))
	return nil
}

// Export renders the last settled groups, or the complete groups when
// nothing was settled in this session, as an xlsx workbook.
func (s *Service) Export(ctx context.Context, creds model.Credentials, sessionID string, q model.ViewQuery) (*ExportFile, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	source := "settled"
	lines := s.settledLines(sessionID, q)
	if len(lines) == 0 {
		source = "complete"
		ev, err := s.evaluate(ctx, creds, q, false)
		if err != nil {
			return nil, err
		}
		lines = ev.complete
	}

	rows := core.BuildExportRows(lines)
	table := export.Table{Sheet: ExportSheet, Headers: core.ExportHeaders, Rows: make([][]interface{}, 0, len(rows))}
	for _, r := range rows {
		table.Rows = append(table.Rows, r.Values())
	}
	body, err := export.Bytes(table)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("render workbook: %w", err))
	}
	s.metrics.ExportsTotal.WithLabelValues(source).Inc()

	return &ExportFile{
		Name:        core.ExportFileName(q.Practitioner, q.From.String(), q.To.String()),
		ContentType: export.ContentType,
		Body:        body,
		Source:      source,
	}, nil
}

func (s *Service) ListSettlements(ctx context.Context, creds model.Credentials, practitioner string) ([]model.Settlement, error) {
	settlements, err := s.store.ListSettlements(ctx, creds, practitioner)
	if err != nil {
		s.logger.Error(err, "failed to list settlements", "practitioner", practitioner)
		return nil, errors.Upstream(msgHistoryFailed, err)
	}
	if settlements == nil {
		settlements = []model.Settlement{}
	}
	return settlements, nil
}
