// Package query provides the read-side views of the task board: calendar
// months and days, the admin review queue and the filtered admin listing.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/choreboard/storage"
)

// DefaultDueSoonWindow is how close a pending task's time must be to be
// flagged as running out of time.
const DefaultDueSoonWindow = 3 * time.Hour

// Finder is the read access the service needs. *storage.TaskStore implements it.
type Finder interface {
	Get(ctx context.Context, id storage.EntityID) (*storage.Task, error)
	Find(ctx context.Context, filter storage.Filter) ([]*storage.Task, error)
}

// Service answers calendar and review queries. Day and month boundaries are
// computed in its location.
type Service struct {
	store  Finder
	loc    *time.Location
	window time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone that day and month boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithDueSoonWindow sets the default DueSoon window.
func WithDueSoonWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// NewService creates a query service.
func NewService(store Finder, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("task store required")
	}
	s := &Service{
		store:  store,
		loc:    time.UTC,
		window: DefaultDueSoonWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Location returns the zone the service computes boundaries in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Task returns a single task. found is false when it does not exist.
func (s *Service) Task(ctx context.Context, id storage.EntityID) (*storage.Task, bool, error) {
	task, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// TasksInMonth returns the tasks scheduled in the given month.
func (s *Service) TasksInMonth(ctx context.Context, year, month int) ([]*storage.Task, error) {
	start, err := s.monthStart(year, month)
	if err != nil {
		return nil, err
	}
	return s.store.Find(ctx, storage.Filter{Start: start, End: start.AddDate(0, 1, 0)})
}

// TasksOnDay returns the tasks scheduled on one calendar day, earliest first.
func (s *Service) TasksOnDay(ctx context.Context, year, month, day int) ([]*storage.Task, error) {
	start, err := s.dayStart(year, month, day)
	if err != nil {
		return nil, err
	}
	return s.store.Find(ctx, storage.Filter{Start: start, End: start.AddDate(0, 0, 1)})
}

// PendingAdminReview returns tasks waiting on an administrator decision.
func (s *Service) PendingAdminReview(ctx context.Context) ([]*storage.Task, error) {
	return s.store.Find(ctx, storage.Filter{
		Statuses: []storage.Status{storage.StatusExtensionRequested, storage.StatusImpossible},
	})
}

// DateRange is an inclusive range of calendar days. Only the date part of
// From and To is used.
type DateRange struct {
	From time.Time
	To   time.Time
}

// FilterOptions selects tasks for the admin listing. Empty dimensions are
// unconstrained.
type FilterOptions struct {
	Statuses  []storage.Status
	Assignees []string
	Range     *DateRange
}

// Filtered returns the tasks matching every given dimension.
func (s *Service) Filtered(ctx context.Context, opts FilterOptions) ([]*storage.Task, error) {
	for _, st := range opts.Statuses {
		if !st.IsValid() {
			return nil, storage.NewValidationError("status", "unknown status %q", st)
		}
	}

	filter := storage.Filter{Statuses: opts.Statuses, Assignees: opts.Assignees}
	if opts.Range != nil {
		from := s.truncateDay(opts.Range.From)
		to := s.truncateDay(opts.Range.To)
		if from.After(to) {
			return nil, storage.NewValidationError("range", "from %s is after to %s",
				from.Format(time.DateOnly), to.Format(time.DateOnly))
		}
		filter.Start = from
		filter.End = to.AddDate(0, 0, 1)
	}
	return s.store.Find(ctx, filter)
}

// CalendarDay summarizes one day of a month view.
type CalendarDay struct {
	Day       int      `json:"day"`
	Date      string   `json:"date"`
	Weekday   string   `json:"weekday"`
	Assignees []string `json:"assignees"`
	Count     int      `json:"count"`
}

// MonthCalendar returns one entry per day of the month with the distinct
// assignees that have tasks that day.
func (s *Service) MonthCalendar(ctx context.Context, year, month int) ([]CalendarDay, error) {
	tasks, err := s.TasksInMonth(ctx, year, month)
	if err != nil {
		return nil, err
	}

	start, _ := s.monthStart(year, month)
	days := daysIn(start)
	calendar := make([]CalendarDay, days)
	for i := range calendar {
		d := start.AddDate(0, 0, i)
		calendar[i] = CalendarDay{
			Day:       i + 1,
			Date:      d.Format(time.DateOnly),
			Weekday:   d.Weekday().String(),
			Assignees: []string{},
		}
	}

	for _, t := range tasks {
		idx := t.ScheduledAt.In(s.loc).Day() - 1
		if idx < 0 || idx >= days {
			continue
		}
		entry := &calendar[idx]
		entry.Count++
		if !slices.Contains(entry.Assignees, t.AssignedTo) {
			entry.Assignees = append(entry.Assignees, t.AssignedTo)
		}
	}
	for i := range calendar {
		slices.Sort(calendar[i].Assignees)
	}
	return calendar, nil
}

// DueSoon returns pending tasks scheduled after now but within window.
// A non-positive window uses the service default.
func (s *Service) DueSoon(ctx context.Context, now time.Time, window time.Duration) ([]*storage.Task, error) {
	if window <= 0 {
		window = s.window
	}
	tasks, err := s.store.Find(ctx, storage.Filter{
		Statuses: []storage.Status{storage.StatusPending},
		Start:    now,
		End:      now.Add(window),
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(tasks, func(t *storage.Task) bool {
		return !t.ScheduledAt.After(now)
	}), nil
}

// IsDueSoon reports whether a pending task is inside the default window.
func (s *Service) IsDueSoon(t *storage.Task, now time.Time) bool {
	if t.Status != storage.StatusPending {
		return false
	}
	remaining := t.ScheduledAt.Sub(now)
	return remaining > 0 && remaining < s.window
}

func (s *Service) monthStart(year, month int) (time.Time, error) {
	if month < 1 || month > 12 {
		return time.Time{}, storage.NewValidationError("month", "must be 1-12, got %d", month)
	}
	if year < 1 || year > 9999 {
		return time.Time{}, storage.NewValidationError("year", "out of range: %d", year)
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, s.loc), nil
}

func (s *Service) dayStart(year, month, day int) (time.Time, error) {
	first, err := s.monthStart(year, month)
	if err != nil {
		return time.Time{}, err
	}
	if day < 1 || day > daysIn(first) {
		return time.Time{}, storage.NewValidationError("day",
			"%04d-%02d has no day %d", year, month, day)
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, s.loc), nil
}

// truncateDay returns midnight of t's calendar date, read in t's own zone
// and placed in the service location.
func (s *Service) truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func daysIn(monthStart time.Time) int {
	return monthStart.AddDate(0, 1, -1).Day()
}
