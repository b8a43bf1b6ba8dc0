package liquidation

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
)

func TestBuildExportRowsEmpty(t *testing.T) {
	rows := BuildExportRows(nil)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestBuildExportRows(t *testing.T) {
	g := groupWith(true, 2, 100000, 50000)
	g.Records[0].Deposit = decimal.NewFromInt(30000)
	g.Records[0].DepositMethod = "Transferencia"
	g.Records[0].PatientDocument = "1020304050"

	rates := &countingRates{rates: map[int]decimal.Decimal{2: decimal.NewFromInt(50)}}
	lines := Evaluate(context.Background(), NewResolver(rates, DefaultOwnRuleID), []Group{g}, model.PractitionerDoctor)

	rows := BuildExportRows(lines)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "Ana", row.Patient)
	assert.Equal(t, "1020304050", row.Document)
	assert.Equal(t, "Ortodoncia", row.Service)
	assert.Equal(t, "2/2", row.Progress)
	assert.Equal(t, "Efectivo", row.PaymentMethods)
	assert.Equal(t, "Transferencia", row.DepositMethods)
	assert.Equal(t, "Propio (50%)", row.PatientType)
	assert.Equal(t, "50%", row.Percentage)
	assert.Equal(t, "75000", row.Payable.String())
	assert.Len(t, row.Values(), len(ExportHeaders))
}

func TestExportFileName(t *testing.T) {
	assert.Equal(t, "Liquidacion_Dra._Gómez_2024-03-01_a_2024-03-31.xlsx",
		ExportFileName("Dra.  Gómez", "2024-03-01", "2024-03-31"))
}

func TestFormatCOP(t *testing.T) {
	out := FormatCOP(decimal.NewFromInt(150000))
	assert.True(t, strings.HasPrefix(out, "$ "))
	assert.Contains(t, out, "150")
	assert.Contains(t, out, "000")
}

func TestSummarize(t *testing.T) {
	g := groupWith(false, 1, 1000)
	lines := []Line{{Group: g, Share: newShare(decimal.RequireFromString("0.4"), "Clínica", false), Payable: decimal.NewFromInt(400)}}

	summaries := Summarize(lines)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Ana|Ortodoncia", summaries[0].Key)
	assert.Equal(t, []string{"a"}, summaries[0].RecordIDs)
	assert.Equal(t, "Clínica (40%)", summaries[0].Share.Label)
}
