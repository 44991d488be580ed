package virtualzarr

import (
	"fmt"
	"strconv"
	"strings"
)

// PeriodKind classifies how a dataset's temporal units are laid out.
type PeriodKind int

const (
	// PeriodRegular steps arithmetically by a calendar duration.
	PeriodRegular PeriodKind = iota
	// PeriodClimatology is a long-term statistical aggregate whose units
	// carry no calendar arithmetic; intervals come from the catalog.
	PeriodClimatology
	// PeriodIrregular has no declared step; intervals come from the catalog.
	PeriodIrregular
)

// Period describes a dataset's declared temporal cadence. Regular periods
// carry exactly one non-zero calendar component (e.g. 5 days, 1 month).
type Period struct {
	Kind   PeriodKind
	Years  int
	Months int
	Days   int
}

// Regular reports whether the period can be stepped arithmetically.
func (p Period) Regular() bool {
	return p.Kind == PeriodRegular && (p.Years > 0 || p.Months > 0 || p.Days > 0)
}

// String renders the period in ISO-8601 duration form, or the kind name
// for non-regular periods.
func (p Period) String() string {
	switch p.Kind {
	case PeriodClimatology:
		return "climatology"
	case PeriodIrregular:
		return "irregular"
	}
	switch {
	case p.Years > 0:
		return fmt.Sprintf("P%dY", p.Years)
	case p.Months > 0:
		return fmt.Sprintf("P%dM", p.Months)
	case p.Days > 0:
		return fmt.Sprintf("P%dD", p.Days)
	}
	return "irregular"
}

// ParsePeriod parses a declared cadence: an ISO-8601 duration subset
// ("P1D", "P5D", "P1M", "P1Y") or the keywords "climatology" and
// "irregular". Catalogs that declare nothing get an irregular period.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "irregular":
		return Period{Kind: PeriodIrregular}, nil
	case "climatology":
		return Period{Kind: PeriodClimatology}, nil
	case "day", "daily":
		return Period{Kind: PeriodRegular, Days: 1}, nil
	case "month", "monthly":
		return Period{Kind: PeriodRegular, Months: 1}, nil
	case "year", "yearly", "annual":
		return Period{Kind: PeriodRegular, Years: 1}, nil
	}

	up := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(up, "P") || len(up) < 3 {
		return Period{}, fmt.Errorf("unrecognised period %q", s)
	}
	n, err := strconv.Atoi(up[1 : len(up)-1])
	if err != nil || n <= 0 {
		return Period{}, fmt.Errorf("unrecognised period %q", s)
	}
	switch up[len(up)-1] {
	case 'D':
		return Period{Kind: PeriodRegular, Days: n}, nil
	case 'M':
		return Period{Kind: PeriodRegular, Months: n}, nil
	case 'Y':
		return Period{Kind: PeriodRegular, Years: n}, nil
	}
	return Period{}, fmt.Errorf("unrecognised period %q", s)
}
