package generic

import "fmt"

// =============================================================================
// PERIOD - Year/month key shared by batch runs and capitation payments
// =============================================================================

// Period identifies one monthly batch. Batch runs and capitation payments are
// both keyed by it, together with a location.
type Period struct {
	Year  int
	Month int
}

// NewPeriod validates year and month.
func NewPeriod(year, month int) (Period, error) {
	p := Period{Year: year, Month: month}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidPeriod, p.Month)
	}
	if p.Year < 1900 || p.Year > 9999 {
		return fmt.Errorf("%w: year %d", ErrInvalidPeriod, p.Year)
	}
	return nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// PeriodOf returns the period of a batch run.
func PeriodOf(b *BatchRun) Period {
	return Period{Year: b.Year, Month: b.Month}
}
