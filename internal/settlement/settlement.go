// Package settlement derives the money side of an order: line totals, VAT,
// margin, deposit due and penalties. Everything here is a pure function of its
// input so every caller gets the same figures.
package settlement

import (
	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type Input struct {
	Lines []domain.OrderLine
	// VATRate is a percentage, e.g. 5 for 5%.
	VATRate      decimal.Decimal
	DepositTerms *domain.DepositTerms
	// Records are the order's financial records; vendor costs, deposits and
	// penalties are picked out of them.
	Records []domain.FinancialRecord
}

type PenaltyLine struct {
	RecordID int32                `json:"record_id"`
	Reason   domain.PenaltyReason `json:"reason"`
	Amount   decimal.Decimal      `json:"amount"`
	Status   domain.RecordStatus  `json:"status"`
}

type Result struct {
	LineTotals   []decimal.Decimal `json:"line_totals"`
	Subtotal     decimal.Decimal   `json:"subtotal"`
	VATRate      decimal.Decimal   `json:"vat_rate"`
	VAT          decimal.Decimal   `json:"vat"`
	Total        decimal.Decimal   `json:"total"`
	Revenue      decimal.Decimal   `json:"revenue"`
	VendorCost   decimal.Decimal   `json:"vendor_cost"`
	Margin       decimal.Decimal   `json:"margin"`
	DepositDue   decimal.Decimal   `json:"deposit_due"`
	Penalties    []PenaltyLine     `json:"penalties"`
	PenaltyTotal decimal.Decimal   `json:"penalty_total"`
}

// LineTotal is rate x quantity x duration plus wastage and cutting charges.
func LineTotal(l domain.OrderLine) decimal.Decimal {
	base := l.UnitRate.
		Mul(decimal.NewFromInt32(l.Quantity)).
		Mul(decimal.NewFromInt32(l.Duration))
	return base.Add(l.WastageCharges).Add(l.CuttingCharges).Round(2)
}

// VAT returns the tax on amount at rate percent, rounded to minor units.
func VAT(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(rate).Div(hundred).Round(2)
}

func Compute(in Input) Result {
	res := Result{
		LineTotals:   make([]decimal.Decimal, len(in.Lines)),
		VATRate:      in.VATRate,
		Subtotal:     decimal.Zero,
		VendorCost:   decimal.Zero,
		DepositDue:   decimal.Zero,
		PenaltyTotal: decimal.Zero,
		Penalties:    []PenaltyLine{},
	}
	for i, l := range in.Lines {
		res.LineTotals[i] = LineTotal(l)
		res.Subtotal = res.Subtotal.Add(res.LineTotals[i])
	}
	res.VAT = VAT(res.Subtotal, in.VATRate)
	res.Total = res.Subtotal.Add(res.VAT)
	res.Revenue = res.Subtotal

	deposited := decimal.Zero
	for _, r := range in.Records {
		if r.Status == domain.RecordStatusRejected {
			continue
		}
		switch r.Kind {
		case domain.RecordVendorCost:
			res.VendorCost = res.VendorCost.Add(r.Amount)
		case domain.RecordDeposit:
			deposited = deposited.Add(r.Amount)
		case domain.RecordPenalty:
			res.Penalties = append(res.Penalties, PenaltyLine{
				RecordID: r.ID,
				Reason:   r.PenaltyReason,
				Amount:   r.Amount,
				Status:   r.Status,
			})
			res.PenaltyTotal = res.PenaltyTotal.Add(r.Amount)
		}
	}
	res.Margin = res.Revenue.Sub(res.VendorCost)

	if in.DepositTerms != nil {
		due := in.DepositTerms.Amount.Sub(deposited)
		if due.IsPositive() {
			res.DepositDue = due
		}
	}
	return res
}

// Apply copies the computed totals onto the order and its lines.
func Apply(o *domain.Order, res Result) {
	for i := range o.Lines {
		if i < len(res.LineTotals) {
			o.Lines[i].LineTotal = res.LineTotals[i]
		}
	}
	o.Subtotal = res.Subtotal
	o.VATRate = res.VATRate
	o.VATAmount = res.VAT
	o.Total = res.Total
}
