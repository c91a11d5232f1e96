package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrInvalidTemplate  = errors.New("invalid daily template")
)

// Interval is one open block of a daily template, "HH:MM" local clinic time.
type Interval struct {
	Start string
	End   string
}

// DefaultTemplate mirrors the clinic's standard opening hours.
var DefaultTemplate = []Interval{
	{Start: "09:00", End: "12:00"},
	{Start: "13:00", End: "18:00"},
}

type GenerateRequest struct {
	StartDate string // YYYY-MM-DD, inclusive
	EndDate   string // YYYY-MM-DD, inclusive
	Template  []Interval
}

// Catalog owns the universe of bookable slots.
type Catalog struct {
	repo Repository
	loc  *time.Location
	log  *zap.Logger
}

func NewCatalog(repo Repository, loc *time.Location, log *zap.Logger) *Catalog {
	if loc == nil {
		loc = time.UTC
	}
	return &Catalog{repo: repo, loc: loc, log: log}
}

// GenerateSlots emits 30-minute slots for every weekday in the range, one per
// template interval step. Re-running over the same range creates nothing new:
// slots are keyed by their start instant. Returns the number of slots created.
func (c *Catalog) GenerateSlots(ctx context.Context, req GenerateRequest) (int, error) {
	startDay, err := time.ParseInLocation("2006-01-02", req.StartDate, c.loc)
	if err != nil {
		return 0, fmt.Errorf("%w: start date %q", ErrInvalidDateRange, req.StartDate)
	}
	endDay, err := time.ParseInLocation("2006-01-02", req.EndDate, c.loc)
	if err != nil {
		return 0, fmt.Errorf("%w: end date %q", ErrInvalidDateRange, req.EndDate)
	}
	if endDay.Before(startDay) {
		return 0, fmt.Errorf("%w: end before start", ErrInvalidDateRange)
	}

	template := req.Template
	if len(template) == 0 {
		template = DefaultTemplate
	}
	spans, err := parseTemplate(template)
	if err != nil {
		return 0, err
	}

	var slots []Slot
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		wd := day.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, span := range spans {
			start := day.Add(span.start)
			end := day.Add(span.end)
			for t := start; !t.Add(SlotDuration).After(end); t = t.Add(SlotDuration) {
				slots = append(slots, Slot{
					ID:        uuid.New(),
					StartTime: t.UTC(),
					EndTime:   t.Add(SlotDuration).UTC(),
					Status:    SlotAvailable,
				})
			}
		}
	}

	var created int
	err = c.repo.InTx(ctx, func(tx Repository) error {
		n, err := tx.InsertSlots(ctx, slots)
		if err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("generate slots: %w", err)
	}

	if c.log != nil {
		c.log.Info("slots generated",
			zap.String("start_date", req.StartDate),
			zap.String("end_date", req.EndDate),
			zap.Int("candidates", len(slots)),
			zap.Int("created", created),
		)
	}
	return created, nil
}

type templateSpan struct {
	start time.Duration // offset from midnight
	end   time.Duration
}

func parseTemplate(template []Interval) ([]templateSpan, error) {
	spans := make([]templateSpan, 0, len(template))
	for _, iv := range template {
		start, err := parseClock(iv.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: start %q", ErrInvalidTemplate, iv.Start)
		}
		end, err := parseClock(iv.End)
		if err != nil {
			return nil, fmt.Errorf("%w: end %q", ErrInvalidTemplate, iv.End)
		}
		if end <= start {
			return nil, fmt.Errorf("%w: interval %s-%s", ErrInvalidTemplate, iv.Start, iv.End)
		}
		spans = append(spans, templateSpan{start: start, end: end})
	}
	return spans, nil
}

// parseClock accepts "HH:MM" aligned to the slot granularity.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	d := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if d%SlotDuration != 0 {
		return 0, fmt.Errorf("%q is not on a %s boundary", s, SlotDuration)
	}
	return d, nil
}

// QuerySlots returns slots matching the filter, ascending by start time.
func (c *Catalog) QuerySlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	slots, err := c.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	return slots, nil
}

// ClaimSlot atomically transitions a slot from available to booked.
func (c *Catalog) ClaimSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return c.repo.ClaimSlot(ctx, id)
}

// ReleaseSlot returns a booked or held slot to the available pool.
func (c *Catalog) ReleaseSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return c.repo.ReleaseSlot(ctx, id)
}
