package programs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *cronExpr {
	t.Helper()
	c, err := parseCron(expr)
	require.NoError(t, err)
	return c
}

func TestParseCronRejects(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"too few fields", "* * * *"},
		{"too many fields", "* * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "* 24 * * *"},
		{"bad value", "x * * * *"},
		{"bad range", "1-x * * * *"},
		{"bad step", "*/0 * * * *"},
		{"dow out of range", "* * * * 8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCron(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestParseCronDowSevenIsSunday(t *testing.T) {
	c := mustParse(t, "0 0 * * 7")
	assert.True(t, c.dow[0])
	assert.False(t, c.dow[7])
}

func TestCronNextSimple(t *testing.T) {
	c := mustParse(t, "30 9 * * *")
	// 2026-08-24 is a Monday.
	from := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	next := c.next(from, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), next)

	// Strictly after: at the firing minute the next occurrence is tomorrow.
	next = c.next(next, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC), next)
}

func TestCronNextStepsAndLists(t *testing.T) {
	c := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 8, 24, 8, 16, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 8, 30, 0, 0, time.UTC), c.next(from, time.UTC))

	c = mustParse(t, "0 9,17 * * 1-5")
	// Friday 17:00 fires; the next weekday slot after it is Monday 09:00.
	friday := time.Date(2026, 8, 28, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), c.next(friday, time.UTC))
}

func TestCronVixieDayUnion(t *testing.T) {
	// Both day fields restricted: fires on the 15th OR on Mondays.
	c := mustParse(t, "0 0 15 * 1")
	from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC) // Monday 00:00
	// Strictly after Monday midnight, the next Monday is 2026-08-31.
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), c.next(from, time.UTC))

	from = time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	// The 14th is a Monday in September 2026, so it wins over the 15th.
	assert.Equal(t, time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC), c.next(from, time.UTC))
}

func TestCronDayIntersectionWhenDowStar(t *testing.T) {
	c := mustParse(t, "0 0 15 * *")
	from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), c.next(from, time.UTC))
}

func TestCronNeverFiresReturnsZero(t *testing.T) {
	// February 30th does not exist.
	c := mustParse(t, "0 0 30 2 *")
	next := c.next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.True(t, next.IsZero())
}

func TestCronTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	c := mustParse(t, "0 9 * * *")
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) // 08:00 in New York
	next := c.next(from, loc)
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC), next.UTC())
}
