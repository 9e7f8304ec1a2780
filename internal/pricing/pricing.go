package pricing

import (
	"fmt"
	"time"

	"equipment-rental-backend/internal/domain"
)

// Period is a calendar span expressed as whole months plus leftover days.
// Both the start and the end day count.
type Period struct {
	Months int
	Days   int
}

// DaysInMonth returns the number of days in a given month
func DaysInMonth(year int, month time.Month) int {
	switch month {
	case time.February:
		if (year%4 == 0 && year%100 != 0) || year%400 == 0 {
			return 29
		}
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

// Between computes the inclusive period from start to end, ignoring time of day.
func Between(start, end time.Time) (Period, error) {
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	if ey < sy || (ey == sy && em < sm) || (ey == sy && em == sm && ed < sd) {
		return Period{}, fmt.Errorf("end date must be >= start date")
	}

	years := ey - sy
	months := int(em) - int(sm)
	days := ed - sd + 1

	// borrow the length of the month preceding the end month
	if days < 0 {
		months--
		prev := em - 1
		prevYear := ey
		if prev < time.January {
			prev = time.December
			prevYear--
		}
		days += DaysInMonth(prevYear, prev)
	}
	if months < 0 {
		years--
		months += 12
	}
	return Period{Months: months + 12*years, Days: days}, nil
}

// TotalDays counts calendar days from start to end, both included.
func TotalDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// Units returns how many billing units of the given basis the rental period
// spans. Partial weeks and months are charged as whole units.
func Units(start, end time.Time, basis domain.RateBasis) (int32, error) {
	p, err := Between(start, end)
	if err != nil {
		return 0, err
	}
	switch basis {
	case domain.RateBasisMonth:
		months := p.Months
		if p.Days > 0 {
			months++
		}
		if months < 1 {
			months = 1
		}
		return int32(months), nil
	case domain.RateBasisWeek:
		days := TotalDays(start, end)
		weeks := days / 7
		if days%7 > 0 {
			weeks++
		}
		return int32(weeks), nil
	default:
		return int32(TotalDays(start, end)), nil
	}
}

// DaysLate counts whole days between the agreed end and the actual return.
// Returning on the agreed end day is not late.
func DaysLate(agreedEnd, returnedAt time.Time) int32 {
	if !returnedAt.After(agreedEnd) {
		return 0
	}
	days := TotalDays(agreedEnd, returnedAt) - 1
	if days < 0 {
		return 0
	}
	return int32(days)
}
