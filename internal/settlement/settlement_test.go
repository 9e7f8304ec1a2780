package settlement

import (
	"testing"

	"equipment-rental-backend/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLineTotal(t *testing.T) {
	line := domain.OrderLine{
		Quantity:       4,
		UnitRate:       d("25.50"),
		Duration:       10,
		WastageCharges: d("40"),
		CuttingCharges: d("12.25"),
	}
	// 25.50 * 4 * 10 = 1020, + 40 + 12.25
	assert.True(t, d("1072.25").Equal(LineTotal(line)))
}

func TestCompute(t *testing.T) {
	t.Run("VAT at five percent", func(t *testing.T) {
		res := Compute(Input{
			Lines:   []domain.OrderLine{{Quantity: 10, UnitRate: d("125"), Duration: 10}},
			VATRate: d("5"),
		})
		assert.True(t, d("12500").Equal(res.Subtotal))
		assert.True(t, d("625").Equal(res.VAT))
		assert.True(t, d("13125").Equal(res.Total))
	})

	t.Run("Zero rate currency has no VAT", func(t *testing.T) {
		res := Compute(Input{
			Lines:   []domain.OrderLine{{Quantity: 1, UnitRate: d("100"), Duration: 3}},
			VATRate: decimal.Zero,
		})
		assert.True(t, res.VAT.IsZero())
		assert.True(t, d("300").Equal(res.Total))
	})

	t.Run("VAT rounds to minor units", func(t *testing.T) {
		res := Compute(Input{
			Lines:   []domain.OrderLine{{Quantity: 1, UnitRate: d("10.01"), Duration: 1}},
			VATRate: d("5"),
		})
		// 0.5005 rounds half away from zero
		assert.True(t, d("0.5").Equal(res.VAT))
	})

	t.Run("Margin deposit and penalties come from records", func(t *testing.T) {
		res := Compute(Input{
			Lines:        []domain.OrderLine{{Quantity: 2, UnitRate: d("500"), Duration: 2}},
			VATRate:      d("5"),
			DepositTerms: &domain.DepositTerms{Amount: d("800")},
			Records: []domain.FinancialRecord{
				{ID: 1, Kind: domain.RecordVendorCost, Amount: d("700"), Status: domain.RecordStatusPending},
				{ID: 2, Kind: domain.RecordVendorCost, Amount: d("100"), Status: domain.RecordStatusRejected},
				{ID: 3, Kind: domain.RecordDeposit, Amount: d("300"), Status: domain.RecordStatusHeld},
				{ID: 4, Kind: domain.RecordPenalty, Amount: d("150"), Status: domain.RecordStatusPending, PenaltyReason: domain.PenaltyDamage},
				{ID: 5, Kind: domain.RecordPenalty, Amount: d("90"), Status: domain.RecordStatusRejected, PenaltyReason: domain.PenaltyLateReturn},
			},
		})
		assert.True(t, d("2000").Equal(res.Revenue))
		assert.True(t, d("700").Equal(res.VendorCost))
		assert.True(t, d("1300").Equal(res.Margin))
		assert.True(t, d("500").Equal(res.DepositDue))
		assert.Len(t, res.Penalties, 1)
		assert.Equal(t, domain.PenaltyDamage, res.Penalties[0].Reason)
		assert.True(t, d("150").Equal(res.PenaltyTotal))
	})

	t.Run("Same input same result", func(t *testing.T) {
		in := Input{
			Lines: []domain.OrderLine{
				{Quantity: 3, UnitRate: d("99.99"), Duration: 7, WastageCharges: d("15")},
				{Quantity: 1, UnitRate: d("10"), Duration: 30, CuttingCharges: d("2.5")},
			},
			VATRate: d("5"),
		}
		assert.Equal(t, Compute(in), Compute(in))
	})
}

func TestApply(t *testing.T) {
	o := &domain.Order{Lines: []domain.OrderLine{{Quantity: 10, UnitRate: d("125"), Duration: 10}}}
	Apply(o, Compute(Input{Lines: o.Lines, VATRate: d("5")}))

	assert.True(t, d("12500").Equal(o.Lines[0].LineTotal))
	assert.True(t, d("625").Equal(o.VATAmount))
	assert.True(t, d("13125").Equal(o.Total))
	assert.True(t, d("5").Equal(o.VATRate))
}
