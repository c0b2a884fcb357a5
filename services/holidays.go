package services

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/logging"
)

//go:embed data/holidays.yaml
var holidaysYAML []byte

type countryHoliday struct {
	Date        string `yaml:"date"`
	Description string `yaml:"description"`
}

// HolidayCalendar maps timezones to countries and countries to their
// fixed-date holidays.
type HolidayCalendar struct {
	Timezones map[string]string           `yaml:"timezones"`
	Countries map[string][]countryHoliday `yaml:"countries"`
}

// LoadHolidayCalendar parses a calendar document.
func LoadHolidayCalendar(data []byte) (*HolidayCalendar, error) {
	var cal HolidayCalendar
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse holiday calendar: %w", err)
	}
	for country, days := range cal.Countries {
		for _, d := range days {
			if _, err := time.Parse("01-02", d.Date); err != nil {
				return nil, fmt.Errorf("invalid holiday %q for %s: %w", d.Date, country, err)
			}
		}
	}
	return &cal, nil
}

// DefaultHolidayCalendar is the calendar shipped with the binary.
func DefaultHolidayCalendar() *HolidayCalendar {
	cal, err := LoadHolidayCalendar(holidaysYAML)
	if err != nil {
		panic(err)
	}
	return cal
}

// Dates lists the holidays of the country observed in timezone for year.
func (c *HolidayCalendar) Dates(timezone string, year int) []db.SectorHoliday {
	country, ok := c.Timezones[timezone]
	if !ok {
		return nil
	}
	var out []db.SectorHoliday
	for _, d := range c.Countries[country] {
		md, _ := time.Parse("01-02", d.Date)
		out = append(out, db.SectorHoliday{
			Date:        time.Date(year, md.Month(), md.Day(), 0, 0, 0, 0, time.UTC),
			DayType:     db.DayClosed,
			Description: d.Description,
		})
	}
	return out
}

type HolidayService struct {
	PG       *sql.DB
	Calendar *HolidayCalendar
}

func NewHolidayService(pg *sql.DB, cal *HolidayCalendar) *HolidayService {
	if cal == nil {
		cal = DefaultHolidayCalendar()
	}
	return &HolidayService{PG: pg, Calendar: cal}
}

// Seed inserts the year's country holidays for every live sector and
// returns how many rows were created. Dates a sector already has, custom
// or not, are left alone.
func (s *HolidayService) Seed(ctx context.Context, year int) (int, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT s.id, p.timezone
		FROM sectors s
		JOIN projects p ON p.id = s.project_id
		WHERE s.is_deleted = false
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list sectors: %w", err)
	}
	type sectorZone struct{ id, timezone string }
	var sectors []sectorZone
	for rows.Next() {
		var sz sectorZone
		if err := rows.Scan(&sz.id, &sz.timezone); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan sector: %w", err)
		}
		sectors = append(sectors, sz)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, sz := range sectors {
		n, err := s.SeedSector(ctx, sz.id, sz.timezone, year)
		if err != nil {
			return created, err
		}
		created += n
	}
	logging.FromContext(ctx).Info("holidays seeded", "year", year, "sectors", len(sectors), "created", created)
	return created, nil
}

func (s *HolidayService) SeedSector(ctx context.Context, sectorID, timezone string, year int) (int, error) {
	created := 0
	for _, h := range s.Calendar.Dates(timezone, year) {
		res, err := s.PG.ExecContext(ctx, `
			INSERT INTO sector_holidays (id, sector_id, date, day_type, description, its_custom)
			VALUES ($1, $2, $3, $4, $5, false)
			ON CONFLICT (sector_id, date) WHERE is_deleted = FALSE DO NOTHING
		`, uuid.New().String(), sectorID, h.Date, h.DayType, h.Description)
		if err != nil {
			return created, fmt.Errorf("failed to seed holiday %s for sector %s: %w", h.Date.Format("2006-01-02"), sectorID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}
