package domain

import (
	"time"

	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
)

// Period is a half-open billing interval [Start, End) in the organization's
// timezone.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days returns the number of calendar days the period spans.
func (p Period) Days() int {
	return daysBetween(p.Start, p.End)
}

// daysBetween counts calendar days from a to b on each boundary's local
// date. Dividing elapsed hours by 24 would undercount any month containing
// a spring-forward DST transition.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / (24 * time.Hour))
}

// PeriodAt computes the billing period covering t for the subscription.
// Calendar billing aligns boundaries to natural interval starts (first of the
// month, Monday, quarter start, January 1). Anniversary billing anchors
// boundaries to the subscription start date, clamping day-of-month to the
// last day of shorter months.
func (s Subscription) PeriodAt(interval plandomain.PlanInterval, t time.Time, loc *time.Location) Period {
	t = t.In(loc)
	switch s.BillingTime {
	case BillingTimeAnniversary:
		return anniversaryPeriodAt(interval, s.StartedAt.In(loc), t, loc)
	default:
		return calendarPeriodAt(interval, t, loc)
	}
}

func calendarPeriodAt(interval plandomain.PlanInterval, t time.Time, loc *time.Location) Period {
	switch interval {
	case plandomain.PlanIntervalWeekly:
		// Weeks start on Monday.
		day := startOfDay(t, loc)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return Period{Start: start, End: start.AddDate(0, 0, 7)}
	case plandomain.PlanIntervalQuarterly:
		q := (int(t.Month()) - 1) / 3
		start := time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: start.AddDate(0, 3, 0)}
	case plandomain.PlanIntervalYearly:
		start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: start.AddDate(1, 0, 0)}
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: start.AddDate(0, 1, 0)}
	}
}

func anniversaryPeriodAt(interval plandomain.PlanInterval, anchor, t time.Time, loc *time.Location) Period {
	anchorDay := startOfDay(anchor, loc)
	if interval == plandomain.PlanIntervalWeekly {
		days := daysBetween(anchorDay, startOfDay(t, loc))
		n := days / 7
		if days < 0 {
			n = -((-days + 6) / 7)
		}
		start := anchorDay.AddDate(0, 0, n*7)
		return Period{Start: start, End: start.AddDate(0, 0, 7)}
	}

	step := monthsPerInterval(interval)
	// Walk interval steps from the anchor until the period covers t. The
	// anchor day-of-month is preserved, clamped to shorter months.
	n := ((t.Year()-anchorDay.Year())*12 + int(t.Month()) - int(anchorDay.Month())) / step
	for {
		start := addMonthsClamped(anchorDay, n*step, loc)
		end := addMonthsClamped(anchorDay, (n+1)*step, loc)
		if t.Before(start) {
			n--
			continue
		}
		if !t.Before(end) {
			n++
			continue
		}
		return Period{Start: start, End: end}
	}
}

func monthsPerInterval(interval plandomain.PlanInterval) int {
	switch interval {
	case plandomain.PlanIntervalQuarterly:
		return 3
	case plandomain.PlanIntervalYearly:
		return 12
	default:
		return 1
	}
}

// addMonthsClamped adds months to the anchor keeping its day-of-month,
// clamped to the target month's length. time.AddDate would normalize
// Jan 31 + 1 month to Mar 3; billing anchors must land on Feb 28 instead.
func addMonthsClamped(anchor time.Time, months int, loc *time.Location) time.Time {
	y, m, d := anchor.Date()
	total := int(m) - 1 + months
	year := y + total/12
	month := time.Month(total%12 + 1)
	if total < 0 && total%12 != 0 {
		year = y + (total-11)/12
		month = time.Month((total%12+12)%12 + 1)
	}
	if last := daysInMonth(year, month); d > last {
		d = last
	}
	return time.Date(year, month, d, 0, 0, 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ProrationCoefficient returns days-active / days-in-period for the
// subscription within the period. Day counts are whole calendar days in the
// billing timezone, so a mid-period start on day 16 of a 30-day month yields
// 15/30.
func (s Subscription) ProrationCoefficient(p Period, loc *time.Location) (activeDays, totalDays int) {
	totalDays = p.Days()
	if totalDays <= 0 {
		return 0, 0
	}

	from := p.Start
	if started := startOfDay(s.StartedAt, loc); started.After(from) {
		from = started
	}
	to := p.End
	if s.TerminatedAt != nil {
		if ended := startOfDay(*s.TerminatedAt, loc); ended.Before(to) {
			to = ended
		}
	}
	if !to.After(from) {
		return 0, totalDays
	}
	activeDays = daysBetween(from, to)
	if activeDays > totalDays {
		activeDays = totalDays
	}
	return activeDays, totalDays
}
