package model

import (
	"github.com/shopspring/decimal"
)

// Record is one billable treatment event as served by the clinic record store.
type Record struct {
	ID                 string          `json:"id" db:"id"`
	SiteID             string          `json:"id_sede" db:"site_id"`
	PatientName        string          `json:"nombrePaciente" db:"patient_name"`
	PatientDocument    string          `json:"docId" db:"patient_document"`
	PractitionerName   string          `json:"nombreDoctor" db:"practitioner_name"`
	Service            string          `json:"servicio" db:"service"`
	Date               Date            `json:"fecha" db:"date"`
	CompletionDate     *Date           `json:"fechaFinalizacion" db:"completion_date"`
	Total              decimal.Decimal `json:"total" db:"total"`
	Paid               decimal.Decimal `json:"valorPagado" db:"paid"`
	Remaining          decimal.Decimal `json:"valorLiquidado" db:"remaining"`
	Deposit            decimal.Decimal `json:"abono" db:"deposit"`
	DepositMethod      string          `json:"metodoPagoAbono" db:"deposit_method"`
	Discount           decimal.Decimal `json:"descuento" db:"discount"`
	PaymentMethod      string          `json:"metodoPago" db:"payment_method"`
	SessionsCompleted  int             `json:"sesionesCompletadas" db:"sessions_completed"`
	SessionsToComplete int             `json:"sesionesParaCompletar" db:"sessions_to_complete"`
	OwnPatient         bool            `json:"esPacientePropio" db:"own_patient"`
	PercentageRuleID   int             `json:"idPorcentaje" db:"percentage_rule_id"`
}

// IsCompleted reports whether the record carries a completion date.
func (r Record) IsCompleted() bool {
	return r.CompletionDate != nil && !r.CompletionDate.IsZero()
}

// ServiceItem is an entry of the clinic service catalog.
type ServiceItem struct {
	Name  string          `json:"nombre" db:"name"`
	Price decimal.Decimal `json:"precio" db:"price"`
}
