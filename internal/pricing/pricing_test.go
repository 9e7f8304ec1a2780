package pricing

import (
	"testing"
	"time"

	"equipment-rental-backend/internal/domain"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDaysInMonth(t *testing.T) {
	tests := []struct {
		year     int
		month    time.Month
		expected int
	}{
		{2024, time.January, 31},
		{2024, time.February, 29}, // leap year
		{2023, time.February, 28},
		{2024, time.April, 30},
		{2024, time.November, 30},
		{2000, time.February, 29}, // divisible by 400
		{1900, time.February, 28}, // divisible by 100 but not 400
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, DaysInMonth(tt.year, tt.month), "%d-%d", tt.year, tt.month)
	}
}

func TestBetween(t *testing.T) {
	t.Run("Same day", func(t *testing.T) {
		p, err := Between(date(2024, 1, 15), date(2024, 1, 15))
		assert.NoError(t, err)
		assert.Equal(t, Period{Months: 0, Days: 1}, p)
	})

	t.Run("Same month", func(t *testing.T) {
		p, err := Between(date(2024, 1, 15), date(2024, 1, 20))
		assert.NoError(t, err)
		assert.Equal(t, Period{Months: 0, Days: 6}, p)
	})

	t.Run("Borrows days across month end", func(t *testing.T) {
		p, err := Between(date(2024, 1, 25), date(2024, 2, 5))
		assert.NoError(t, err)
		assert.Equal(t, Period{Months: 0, Days: 12}, p)
	})

	t.Run("Across year boundary", func(t *testing.T) {
		p, err := Between(date(2023, 11, 10), date(2024, 2, 9))
		assert.NoError(t, err)
		assert.Equal(t, Period{Months: 3, Days: 0}, p)
	})

	t.Run("End before start", func(t *testing.T) {
		_, err := Between(date(2024, 2, 1), date(2024, 1, 31))
		assert.Error(t, err)
	})
}

func TestUnits(t *testing.T) {
	t.Run("Days are inclusive", func(t *testing.T) {
		u, err := Units(date(2024, 3, 1), date(2024, 3, 10), domain.RateBasisDay)
		assert.NoError(t, err)
		assert.Equal(t, int32(10), u)
	})

	t.Run("Partial week rounds up", func(t *testing.T) {
		u, err := Units(date(2024, 3, 1), date(2024, 3, 10), domain.RateBasisWeek)
		assert.NoError(t, err)
		assert.Equal(t, int32(2), u)
	})

	t.Run("Exact week", func(t *testing.T) {
		u, err := Units(date(2024, 3, 1), date(2024, 3, 7), domain.RateBasisWeek)
		assert.NoError(t, err)
		assert.Equal(t, int32(1), u)
	})

	t.Run("Partial month rounds up", func(t *testing.T) {
		u, err := Units(date(2024, 1, 1), date(2024, 2, 10), domain.RateBasisMonth)
		assert.NoError(t, err)
		assert.Equal(t, int32(2), u)
	})

	t.Run("Invalid range", func(t *testing.T) {
		_, err := Units(date(2024, 1, 10), date(2024, 1, 1), domain.RateBasisDay)
		assert.Error(t, err)
	})
}

func TestDaysLate(t *testing.T) {
	assert.Equal(t, int32(0), DaysLate(date(2024, 5, 10), date(2024, 5, 10)))
	assert.Equal(t, int32(0), DaysLate(date(2024, 5, 10), date(2024, 5, 9)))
	assert.Equal(t, int32(3), DaysLate(date(2024, 5, 10), date(2024, 5, 13)))
}
