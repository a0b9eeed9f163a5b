// Package extract pulls the timetable, registered courses, attendance and
// academic calendar out of an authenticated portal page.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"foresync/browser"
	"foresync/ratelimit"
	"foresync/storage"
)

// Artifact file names inside a session directory.
const (
	TimetableFile         = "timetable.png"
	RegisteredCoursesFile = "registered_courses.json"
	AttendanceFile        = "attendance.json"
	AttendanceCountsFile  = "attendance_counts.json"
	CalendarDir           = "academic_calendar"
)

// Extraction kinds and statuses as recorded in history and metrics.
const (
	KindTimetable  = "timetable"
	KindCourses    = "courses"
	KindAttendance = "attendance"
	KindCalendar   = "calendar"

	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Config controls navigation and capture timing.
type Config struct {
	ContentURL string
	AlertClose string
	MaxCycles  int
	// AnchorTimeout bounds each wait for a view to render.
	AnchorTimeout time.Duration
	SelectTimeout time.Duration
	// Settle is the pause after clicks that trigger page scripts.
	Settle time.Duration
}

// DefaultConfig returns the timings used against the live portal.
func DefaultConfig() Config {
	return Config{
		ContentURL:    "https://vtopcc.vit.ac.in/vtop/content",
		AlertClose:    "#btnClosePopup",
		MaxCycles:     3,
		AnchorTimeout: 12 * time.Second,
		SelectTimeout: 6 * time.Second,
		Settle:        800 * time.Millisecond,
	}
}

// Selections are the dropdown choices for one run. Each is option text or a
// shortcut such as "S2"; empty keeps the portal's current choice.
type Selections struct {
	TimetableSemester  string
	AttendanceSemester string
	CalendarSemester   string
	ClassGroup         string
}

// Assets are the files one run produced. Paths are absent for steps that
// failed.
type Assets struct {
	Timetable         string
	RegisteredCourses string
	Attendance        string
	AttendanceCounts  string
	Calendar          []string
	Failures          map[string]string
}

// ExtractionRecorder persists step outcomes.
type ExtractionRecorder interface {
	SaveExtraction(ex *storage.Extraction) error
}

// ExtractionObserver receives step outcomes.
type ExtractionObserver interface {
	ObserveExtraction(kind, status string)
}

// Extractor drives one authenticated page through the portal views
type Extractor struct {
	page      browser.Page
	cfg       Config
	logger    *logrus.Entry
	sessionID string

	recorder ExtractionRecorder
	observer ExtractionObserver
	limiter  *ratelimit.RateLimiter
}

// NewExtractor creates an extractor for page
func NewExtractor(page browser.Page, sessionID string, cfg Config, logger *logrus.Logger) *Extractor {
	def := DefaultConfig()
	if cfg.ContentURL == "" {
		cfg.ContentURL = def.ContentURL
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = def.MaxCycles
	}
	if cfg.AnchorTimeout <= 0 {
		cfg.AnchorTimeout = def.AnchorTimeout
	}
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = def.SelectTimeout
	}
	return &Extractor{
		page:      page,
		cfg:       cfg,
		logger:    logger.WithField("session_id", sessionID),
		sessionID: sessionID,
	}
}

func (e *Extractor) WithRecorder(r ExtractionRecorder) *Extractor {
	e.recorder = r
	return e
}

func (e *Extractor) WithObserver(o ExtractionObserver) *Extractor {
	e.observer = o
	return e
}

func (e *Extractor) WithLimiter(l *ratelimit.RateLimiter) *Extractor {
	e.limiter = l
	return e
}

// Run visits the timetable, attendance and calendar views in turn and writes
// their artifacts into dir. A failing step is recorded and skipped; only a
// cancelled context or an unusable dir stops the run.
func (e *Extractor) Run(ctx context.Context, dir string, sel Selections) (*Assets, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	assets := &Assets{Failures: map[string]string{}}
	start := time.Now()
	e.logger.WithField("dir", dir).Info("Starting extraction")

	// Timetable view: screenshot and registered courses.
	if err := e.Open(TimetableMenu); err != nil {
		e.fail(assets, KindTimetable, err)
		e.fail(assets, KindCourses, err)
	} else {
		e.SelectOption(SemesterSelect, sel.TimetableSemester)
		path := filepath.Join(dir, TimetableFile)
		if err := e.CaptureTimetable(path); err != nil {
			e.fail(assets, KindTimetable, err)
		} else {
			assets.Timetable = path
			e.done(KindTimetable, path, "")
		}

		path = filepath.Join(dir, RegisteredCoursesFile)
		if n, err := e.saveRegisteredCourses(path); err != nil {
			e.fail(assets, KindCourses, err)
		} else {
			assets.RegisteredCourses = path
			e.done(KindCourses, path, fmt.Sprintf("%d rows", n))
		}
	}
	if err := ctx.Err(); err != nil {
		return assets, err
	}

	// Attendance view.
	if err := e.Open(AttendanceMenu); err != nil {
		e.fail(assets, KindAttendance, err)
	} else {
		if e.SelectOption(SemesterSelect, sel.AttendanceSemester) {
			e.clickSearch()
			browser.Try(e.logger, "attendance_table", func() error {
				_, err := browser.WaitPresent(e.page, []string{attendanceTable}, e.cfg.SelectTimeout)
				return err
			})
		}
		if err := e.saveAttendance(dir, assets); err != nil {
			e.fail(assets, KindAttendance, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return assets, err
	}

	// Academic calendar view.
	if err := e.Open(CalendarMenu); err != nil {
		e.fail(assets, KindCalendar, err)
	} else {
		e.SelectOption(SemesterSelect, sel.CalendarSemester)
		e.SelectOption(ClassGroupSelect, sel.ClassGroup)
		calDir := filepath.Join(dir, CalendarDir)
		paths, err := e.CaptureCalendar(calDir)
		switch {
		case err != nil:
			e.fail(assets, KindCalendar, err)
		case len(paths) == 0:
			e.fail(assets, KindCalendar, fmt.Errorf("no calendar images captured"))
		default:
			assets.Calendar = paths
			e.done(KindCalendar, calDir, fmt.Sprintf("%d images", len(paths)))
		}
	}

	e.logger.WithFields(logrus.Fields{
		"failures": len(assets.Failures),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Extraction finished")
	return assets, nil
}

// CaptureTimetable saves the weekly timetable grid as a PNG.
func (e *Extractor) CaptureTimetable(path string) error {
	if _, err := browser.WaitPresent(e.page, []string{"#timeTableStyle"}, e.cfg.AnchorTimeout); err != nil {
		return fmt.Errorf("timetable not rendered: %w", err)
	}
	e.pace(ratelimit.ActionCapture)
	browser.Try(e.logger, "scroll_timetable", func() error {
		return e.page.Exec(`() => { const t = document.querySelector('#timeTableStyle'); if (t) t.scrollIntoView({ block: 'center' }); }`)
	})
	png, err := e.page.ElementScreenshot("#timeTableStyle")
	if err != nil {
		return fmt.Errorf("failed to capture timetable: %w", err)
	}
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("failed to write timetable: %w", err)
	}
	e.logger.WithField("path", path).Info("Timetable screenshot saved")
	return nil
}

func (e *Extractor) saveRegisteredCourses(path string) (int, error) {
	html, err := e.page.HTML()
	if err != nil {
		return 0, fmt.Errorf("failed to read timetable page: %w", err)
	}
	rows, err := ParseRegisteredCourses(html)
	if err != nil {
		return 0, err
	}
	if rows == nil {
		rows = []Course{}
	}
	return len(rows), writeJSON(path, rows)
}

func (e *Extractor) saveAttendance(dir string, assets *Assets) error {
	if _, err := browser.WaitPresent(e.page, []string{attendanceTable}, e.cfg.AnchorTimeout); err != nil {
		return fmt.Errorf("attendance table not rendered: %w", err)
	}
	html, err := e.page.HTML()
	if err != nil {
		return fmt.Errorf("failed to read attendance page: %w", err)
	}

	counts, err := ParseAttendanceCounts(html)
	if err != nil {
		return err
	}
	countsPath := filepath.Join(dir, AttendanceCountsFile)
	if err := writeJSON(countsPath, counts); err != nil {
		return err
	}
	assets.AttendanceCounts = countsPath

	full, err := ParseAttendance(html)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(dir, AttendanceFile)
	if err := writeJSON(fullPath, full); err != nil {
		return err
	}
	assets.Attendance = fullPath

	e.done(KindAttendance, countsPath, fmt.Sprintf("%d courses", len(counts.Rows)))
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (e *Extractor) pace(action ratelimit.ActionType) {
	if e.limiter == nil {
		return
	}
	if err := e.limiter.WaitForPermission(context.Background(), action); err != nil {
		e.logger.WithError(err).Debug("Rate limiter refused, continuing")
	}
}

func (e *Extractor) done(kind, path, detail string) {
	e.record(kind, StatusOK, path, detail)
}

func (e *Extractor) fail(assets *Assets, kind string, err error) {
	e.logger.WithError(err).WithField("kind", kind).Warn("Extraction step failed")
	assets.Failures[kind] = err.Error()
	e.record(kind, StatusFailed, "", err.Error())
}

func (e *Extractor) record(kind, status, path, detail string) {
	if e.observer != nil {
		e.observer.ObserveExtraction(kind, status)
	}
	if e.recorder == nil {
		return
	}
	err := e.recorder.SaveExtraction(&storage.Extraction{
		SessionID: e.sessionID,
		Kind:      kind,
		Status:    status,
		Path:      path,
		Detail:    detail,
	})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to record extraction")
	}
}
