package liquidation

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ExportHeaders are the column titles of the settlement spreadsheet.
var ExportHeaders = []string{
	"Paciente",
	"Documento",
	"Servicio",
	"Progreso Sesiones",
	"Total Pagado",
	"Método de Pago",
	"Abono",
	"Método de Abono",
	"Tipo de Paciente",
	"Porcentaje",
	"Total a Liquidar",
}

// ExportRow is one flattened settlement line.
type ExportRow struct {
	Patient        string
	Document       string
	Service        string
	Progress       string
	TotalPaid      decimal.Decimal
	PaymentMethods string
	Deposit        decimal.Decimal
	DepositMethods string
	PatientType    string
	Percentage     string
	Payable        decimal.Decimal
}

// Values returns the row cells in ExportHeaders order.
func (r ExportRow) Values() []interface{} {
	return []interface{}{
		r.Patient,
		r.Document,
		r.Service,
		r.Progress,
		r.TotalPaid.InexactFloat64(),
		r.PaymentMethods,
		r.Deposit.InexactFloat64(),
		r.DepositMethods,
		r.PatientType,
		r.Percentage,
		r.Payable.InexactFloat64(),
	}
}

// BuildExportRows flattens lines into spreadsheet rows. An empty input gives
// an empty, non-nil slice.
func BuildExportRows(lines []Line) []ExportRow {
	rows := make([]ExportRow, 0, len(lines))
	for _, l := range lines {
		g := l.Group
		rows = append(rows, ExportRow{
			Patient:        g.Key.Patient,
			Document:       g.PatientDocument(),
			Service:        g.Key.Service,
			Progress:       g.Progress(),
			TotalPaid:      g.Total(),
			PaymentMethods: strings.Join(g.PaymentMethods(), ", "),
			Deposit:        g.Deposit(),
			DepositMethods: strings.Join(g.DepositMethods(), ", "),
			PatientType:    l.Share.Label,
			Percentage:     l.Share.Percent() + "%",
			Payable:        l.Payable,
		})
	}
	return rows
}

// ExportFileName builds the download name for a practitioner and range.
func ExportFileName(practitioner, from, to string) string {
	name := strings.Join(strings.Fields(practitioner), "_")
	return "Liquidacion_" + name + "_" + from + "_a_" + to + ".xlsx"
}

var copPrinter = message.NewPrinter(language.MustParse("es-CO"))

// FormatCOP renders an amount in Colombian pesos without decimals.
func FormatCOP(amount decimal.Decimal) string {
	return copPrinter.Sprintf("$ %d", amount.Round(0).IntPart())
}

// Summary is the JSON shape of an evaluated group.
type Summary struct {
	Key               string          `json:"key"`
	Patient           string          `json:"patient"`
	Document          string          `json:"document,omitempty"`
	Service           string          `json:"service"`
	Progress          string          `json:"progress"`
	SessionsCompleted int             `json:"sessions_completed"`
	SessionsRequired  int             `json:"sessions_required"`
	Total             decimal.Decimal `json:"total"`
	Paid              decimal.Decimal `json:"paid"`
	Remaining         decimal.Decimal `json:"remaining"`
	Deposit           decimal.Decimal `json:"deposit"`
	PaymentMethods    []string        `json:"payment_methods"`
	DepositMethods    []string        `json:"deposit_methods"`
	OwnPatient        bool            `json:"own_patient"`
	Share             Share           `json:"share"`
	Payable           decimal.Decimal `json:"payable"`
	PayableDisplay    string          `json:"payable_display"`
	RecordIDs         []string        `json:"record_ids"`
}

func Summarize(lines []Line) []Summary {
	out := make([]Summary, 0, len(lines))
	for _, l := range lines {
		g := l.Group
		out = append(out, Summary{
			Key:               g.Key.String(),
			Patient:           g.Key.Patient,
			Document:          g.PatientDocument(),
			Service:           g.Key.Service,
			Progress:          g.Progress(),
			SessionsCompleted: g.SessionsCompleted(),
			SessionsRequired:  g.SessionsRequired(),
			Total:             g.Total(),
			Paid:              g.Paid(),
			Remaining:         g.Remaining(),
			Deposit:           g.Deposit(),
			PaymentMethods:    g.PaymentMethods(),
			DepositMethods:    g.DepositMethods(),
			OwnPatient:        g.OwnPatient(),
			Share:             l.Share,
			Payable:           l.Payable,
			PayableDisplay:    FormatCOP(l.Payable),
			RecordIDs:         g.RecordIDs(),
		})
	}
	return out
}
