package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/logging"
)

const holidayCacheTTL = 5 * time.Minute

// OnlineChecker reports whether any agent is online in a sector.
type OnlineChecker interface {
	OnlineInSector(ctx context.Context, sectorID string) bool
}

// WorkingHoursService gates room creation on sector working hours.
type WorkingHoursService struct {
	PG     *sql.DB
	Cache  Cache
	Online OnlineChecker
	Clock  clock.Clock
}

func NewWorkingHoursService(pg *sql.DB, cache Cache, online OnlineChecker, clk clock.Clock) *WorkingHoursService {
	if clk == nil {
		clk = clock.Real()
	}
	return &WorkingHoursService{PG: pg, Cache: cache, Online: online, Clock: clk}
}

// IsAttending returns nil when the sector attends at instant, in the
// project's timezone, and OUTSIDE_WORKING_HOURS otherwise.
func (s *WorkingHoursService) IsAttending(ctx context.Context, project *db.Project, sector *db.Sector, instant time.Time) error {
	local := instant.In(project.Location())

	holiday, err := s.holidayFor(ctx, sector.ID, local)
	if err != nil {
		// a broken holiday lookup must not block every ingest
		logging.FromContext(ctx).Error("holiday lookup failed", "sector", sector.ID, "error", err)
	}

	if !Attending(sector, holiday, local) {
		return apperr.New(apperr.OutsideWorkingHours, fmt.Sprintf("sector %s is closed at %s", sector.Name, local.Format(time.RFC3339)))
	}
	return nil
}

// RequireOnlineAgents fails with NO_ONLINE_AGENTS when nobody can take a room.
func (s *WorkingHoursService) RequireOnlineAgents(ctx context.Context, sector *db.Sector) error {
	if s.Online == nil || s.Online.OnlineInSector(ctx, sector.ID) {
		return nil
	}
	return apperr.New(apperr.NoOnlineAgents, "no online agents in sector "+sector.Name)
}

// Attending evaluates the working-hours rules for a local time. holiday is
// the active SectorHoliday of that date, if any.
func Attending(sector *db.Sector, holiday *db.SectorHoliday, local time.Time) bool {
	tod := timeOfDay(local)

	if holiday != nil {
		switch holiday.DayType {
		case db.DayClosed:
			return false
		case db.DayCustomHours:
			return withinClosed(tod, holiday.StartTime, holiday.EndTime)
		}
	}

	wh := sector.WorkingHours
	if isStaticHoliday(wh.Holidays, local) {
		return false
	}

	weekday := isoWeekday(local)
	for _, closed := range wh.ClosedWeekdays {
		if closed == weekday {
			return false
		}
	}

	if weekday >= 6 {
		if !wh.OpenInWeekends {
			return false
		}
		if r := wh.Schedules.Weekend; r != nil {
			return withinClosed(tod, r.Start, r.End)
		}
		return within(tod, sector.WorkStart, sector.WorkEnd)
	}

	if r := wh.Schedules.Weekday; r != nil {
		return withinClosed(tod, r.Start, r.End)
	}
	return within(tod, sector.WorkStart, sector.WorkEnd)
}

func isStaticHoliday(holidays []string, local time.Time) bool {
	full := local.Format("2006-01-02")
	short := local.Format("01-02")
	for _, h := range holidays {
		if h == full {
			return true
		}
	}
	for _, h := range holidays {
		if h == short {
			return true
		}
	}
	return false
}

// isoWeekday maps Monday..Sunday to 1..7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func timeOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// within reports start <= tod < end, for the sector's work_start..work_end.
// Unparseable bounds never match.
func within(tod int, start, end string) bool {
	s, e, ok := bounds(start, end)
	return ok && tod >= s && tod < e
}

// withinClosed reports start <= tod <= end, for schedule and holiday windows.
func withinClosed(tod int, start, end string) bool {
	s, e, ok := bounds(start, end)
	return ok && tod >= s && tod <= e
}

func bounds(start, end string) (int, int, bool) {
	s, ok1 := parseClock(start)
	e, ok2 := parseClock(end)
	return s, e, ok1 && ok2
}

var clockCache sync.Map

type parsedClock struct {
	seconds int
	ok      bool
}

// parseClock turns "HH:MM" or "HH:MM:SS" into seconds since midnight.
// Results are memoized since the same few strings are parsed on every ingest.
func parseClock(v string) (int, bool) {
	if cached, ok := clockCache.Load(v); ok {
		p := cached.(parsedClock)
		return p.seconds, p.ok
	}
	p := parsedClock{}
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) == 2 || len(parts) == 3 {
		limits := []int{24, 60, 60}
		total := 0
		valid := true
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n >= limits[i] {
				valid = false
				break
			}
			total += n * []int{3600, 60, 1}[i]
		}
		if valid {
			p = parsedClock{seconds: total, ok: true}
		}
	}
	// "24:00" closes a window at midnight
	if !p.ok && (v == "24:00" || v == "24:00:00") {
		p = parsedClock{seconds: 24 * 3600, ok: true}
	}
	clockCache.Store(v, p)
	return p.seconds, p.ok
}

type cachedHoliday struct {
	Found   bool              `json:"found"`
	Holiday *db.SectorHoliday `json:"holiday,omitempty"`
}

func holidayCacheKey(sectorID string, date time.Time) string {
	return "chats:holiday:" + sectorID + ":" + date.Format("2006-01-02")
}

// holidayFor returns the active holiday of sectorID on local's date.
// Negative results are cached too.
func (s *WorkingHoursService) holidayFor(ctx context.Context, sectorID string, local time.Time) (*db.SectorHoliday, error) {
	key := holidayCacheKey(sectorID, local)
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, key); err == nil {
			var cached cachedHoliday
			if json.Unmarshal(raw, &cached) == nil {
				return cached.Holiday, nil
			}
		}
	}

	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	var h db.SectorHoliday
	var dayType string
	err := s.PG.QueryRowContext(ctx, `
		SELECT id, sector_id, date, day_type, start_time, end_time, description, its_custom
		FROM sector_holidays
		WHERE sector_id = $1 AND date = $2 AND is_deleted = false
	`, sectorID, date).Scan(&h.ID, &h.SectorID, &h.Date, &dayType, &h.StartTime, &h.EndTime, &h.Description, &h.ItsCustom)

	var result *db.SectorHoliday
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to load holiday: %w", err)
	default:
		h.DayType = db.DayType(dayType)
		result = &h
	}

	if s.Cache != nil {
		raw, _ := json.Marshal(cachedHoliday{Found: result != nil, Holiday: result})
		if err := s.Cache.Set(ctx, key, raw, holidayCacheTTL); err != nil {
			logging.FromContext(ctx).Warn("failed to cache holiday", "key", key, "error", err)
		}
	}
	return result, nil
}

// InvalidateHoliday drops the cached lookup of sectorID on date.
func (s *WorkingHoursService) InvalidateHoliday(ctx context.Context, sectorID string, date time.Time) {
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, holidayCacheKey(sectorID, date))
	}
}
