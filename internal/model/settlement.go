package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement is a persisted payout for one or more service groups.
// It is immutable once created.
type Settlement struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Practitioner     string           `json:"doctor" db:"practitioner"`
	PractitionerType PractitionerType `json:"tipo" db:"practitioner_type"`
	SiteID           string           `json:"id_sede" db:"site_id"`
	From             Date             `json:"fecha_inicio" db:"date_from"`
	To               Date             `json:"fecha_fin" db:"date_to"`
	Services         SettledGroups    `json:"servicios" db:"services"`
	Total            decimal.Decimal  `json:"total_liquidado" db:"total"`
	SettledOn        Date             `json:"fecha_liquidacion" db:"settled_on"`
}

// SettledGroups holds the records of each settled group. It is stored as JSON.
type SettledGroups [][]Record

func (g SettledGroups) Value() (driver.Value, error) {
	if g == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(g)
}

func (g *SettledGroups) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*g = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SettledGroups", src)
	}
	return json.Unmarshal(raw, g)
}

// RecordIDs returns the ids of every record in the settlement.
func (s *Settlement) RecordIDs() []string {
	var ids []string
	for _, group := range s.Services {
		for _, r := range group {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// PendingDeletion is a batch of settled record ids whose removal from the
// record store has not been confirmed yet.
type PendingDeletion struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	SiteID       string    `json:"site_id"`
	RecordIDs    []string  `json:"record_ids"`
	Attempts     int       `json:"attempts"`
}

// SettledEvent is published after a settlement is persisted.
type SettledEvent struct {
	SettlementID     uuid.UUID        `json:"settlement_id"`
	Practitioner     string           `json:"practitioner"`
	PractitionerType PractitionerType `json:"practitioner_type"`
	SiteID           string           `json:"site_id"`
	Total            decimal.Decimal  `json:"total"`
	RecordIDs        []string         `json:"record_ids"`
	SettledOn        Date             `json:"settled_on"`
	CleanupPending   bool             `json:"cleanup_pending"`
}
