package reports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort exposes the aggregate queries behind the reports.
type RepositoryPort interface {
	PatientCount(ctx context.Context) (int, error)
	AppointmentCount(ctx context.Context, from, to time.Time) (int, error)
	Collected(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	OpenDues(ctx context.Context) ([]OpenDue, error)
	RevenueByService(ctx context.Context, r Range) ([]ServiceRevenue, error)
	MonthlyRevenue(ctx context.Context, r Range) ([]MonthPoint, error)
}

// Service coordinates report queries with the cache layer.
type Service struct {
	repo  RepositoryPort
	cache *Cache
	loc   *time.Location
	now   func() time.Time
}

// NewService wires a repository with a cache. Day boundaries use loc.
func NewService(repo RepositoryPort, cache *Cache, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, cache: cache, loc: loc, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Dashboard returns today's overview.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)
	day := from.Format("2006-01-02")

	key, err := s.cache.BuildKey(ctx, "dashboard", day)
	if err != nil {
		return Dashboard{}, err
	}
	var out Dashboard
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		dash := Dashboard{Date: day}
		var err error
		if dash.TotalPatients, err = s.repo.PatientCount(ctx); err != nil {
			return nil, err
		}
		if dash.AppointmentsToday, err = s.repo.AppointmentCount(ctx, from, to); err != nil {
			return nil, err
		}
		if dash.RevenueToday, err = s.repo.Collected(ctx, from, to); err != nil {
			return nil, err
		}
		open, err := s.repo.OpenDues(ctx)
		if err != nil {
			return nil, err
		}
		dash.OutstandingDues = decimal.Zero
		for _, due := range open {
			dash.OutstandingDues = dash.OutstandingDues.Add(due.Amount)
			if BucketFor(due.DueDate, from) != "current" {
				dash.OverdueCount++
			}
		}
		return dash, nil
	})
	return out, err
}

// RevenueByService totals billed line amounts per service over r.
func (s *Service) RevenueByService(ctx context.Context, r Range) ([]ServiceRevenue, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key, err := s.cache.BuildKey(ctx, "revenue_services", r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	out := []ServiceRevenue{}
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.RevenueByService(ctx, r)
		if rows == nil {
			rows = []ServiceRevenue{}
		}
		return rows, err
	})
	return out, err
}

// MonthlyRevenue returns one point per calendar month in r, including empty months.
func (s *Service) MonthlyRevenue(ctx context.Context, r Range) ([]MonthPoint, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key, err := s.cache.BuildKey(ctx, "revenue_monthly", r.From.Format("2006-01"), r.To.Format("2006-01"))
	if err != nil {
		return nil, err
	}
	out := []MonthPoint{}
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.MonthlyRevenue(ctx, r)
		if err != nil {
			return nil, err
		}
		return fillMonths(r, rows), nil
	})
	return out, err
}

// DueAging buckets open dues by days overdue as of asOf.
func (s *Service) DueAging(ctx context.Context, asOf time.Time) ([]AgingBucket, error) {
	if asOf.IsZero() {
		asOf = s.now().In(s.loc)
	}
	key, err := s.cache.BuildKey(ctx, "due_aging", asOf.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	var out []AgingBucket
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		open, err := s.repo.OpenDues(ctx)
		if err != nil {
			return nil, err
		}
		return Age(open, asOf), nil
	})
	return out, err
}

// Bump invalidates cached reports.
func (s *Service) Bump(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func fillMonths(r Range, rows []MonthPoint) []MonthPoint {
	byMonth := make(map[string]MonthPoint, len(rows))
	for _, row := range rows {
		byMonth[row.Month] = row
	}
	var out []MonthPoint
	cursor := time.Date(r.From.Year(), r.From.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(r.To.Year(), r.To.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(last) {
		month := cursor.Format("2006-01")
		point, ok := byMonth[month]
		if !ok {
			point = MonthPoint{Month: month, Billed: decimal.Zero, Collected: decimal.Zero, Discounts: decimal.Zero}
		}
		out = append(out, point)
		cursor = cursor.AddDate(0, 1, 0)
	}
	return out
}
