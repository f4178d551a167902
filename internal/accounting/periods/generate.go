package periods

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// Window is a generated period range.
type Window struct {
	Code  string
	Start time.Time
	End   time.Time
}

// Generate splits [start, end] into n contiguous windows. When the range is
// exactly n calendar months starting on the first of a month the windows are
// months; otherwise days are split evenly with the remainder spread over the
// leading windows.
func Generate(name string, start, end time.Time, n int) ([]Window, error) {
	start, end = accounting.DateOnly(start), accounting.DateOnly(end)
	if n <= 0 || end.Before(start) {
		return nil, accounting.ErrInvalidDateRange
	}
	if start.Day() == 1 && start.AddDate(0, n, -1).Equal(end) {
		out := make([]Window, 0, n)
		for i := 0; i < n; i++ {
			from := start.AddDate(0, i, 0)
			out = append(out, Window{
				Code:  from.Format("2006-01"),
				Start: from,
				End:   from.AddDate(0, 1, -1),
			})
		}
		return out, nil
	}

	days := int(end.Sub(start).Hours()/24) + 1
	if n > days {
		return nil, fmt.Errorf("%w: %d periods do not fit in %d days", accounting.ErrInvalidDateRange, n, days)
	}
	size, extra := days/n, days%n
	out := make([]Window, 0, n)
	from := start
	for i := 0; i < n; i++ {
		length := size
		if i < extra {
			length++
		}
		to := from.AddDate(0, 0, length-1)
		out = append(out, Window{Code: fmt.Sprintf("%s-P%02d", name, i+1), Start: from, End: to})
		from = to.AddDate(0, 0, 1)
	}
	return out, nil
}

// checkCoverage verifies that periods are ordered, contiguous and span the whole year.
func checkCoverage(year accounting.FiscalYear, periods []accounting.Period) error {
	if len(periods) == 0 {
		return fmt.Errorf("%w: fiscal year %s has no periods", accounting.ErrInvalidDateRange, year.Name)
	}
	expected := accounting.DateOnly(year.StartDate)
	for _, period := range periods {
		if !accounting.DateOnly(period.StartDate).Equal(expected) {
			return fmt.Errorf("%w: gap or overlap before period %s", accounting.ErrInvalidDateRange, period.Code)
		}
		expected = accounting.DateOnly(period.EndDate).AddDate(0, 0, 1)
	}
	if !expected.Equal(accounting.DateOnly(year.EndDate).AddDate(0, 0, 1)) {
		return fmt.Errorf("%w: periods end before fiscal year %s", accounting.ErrInvalidDateRange, year.Name)
	}
	return nil
}
