package extract

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresync/browser/browsertest"
	"foresync/storage"
)

const contentURL = "https://vtopcc.vit.ac.in/vtop/content"

const contentHTML = `<html><body><button class="SideBarMenuBtn">Academics</button></body></html>`

type fakeRecorder struct {
	mu   sync.Mutex
	rows []*storage.Extraction
}

func (r *fakeRecorder) SaveExtraction(ex *storage.Extraction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ex)
	return nil
}

func (r *fakeRecorder) byKind() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]string{}
	for _, ex := range r.rows {
		out[ex.Kind] = ex.Status
	}
	return out
}

type fakeObserver struct {
	seen []string
}

func (o *fakeObserver) ObserveExtraction(kind, status string) {
	o.seen = append(o.seen, kind+"="+status)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		ContentURL:    contentURL,
		MaxCycles:     1,
		AnchorTimeout: 50 * time.Millisecond,
		SelectTimeout: 50 * time.Millisecond,
	}
}

// newPortal returns a page that renders each view when its menu item is
// clicked and reverts to the landing page on navigation.
func newPortal() *browsertest.Page {
	page := browsertest.New(contentURL, contentHTML)
	page.AddElements(TimetableMenu.itemSelector(), AttendanceMenu.itemSelector(), CalendarMenu.itemSelector())
	page.OnNavigate(func(string) { page.SetHTML(contentHTML) })
	page.OnClick(func(sel string) {
		switch sel {
		case TimetableMenu.itemSelector():
			page.SetHTML(registeredCoursesHTML)
			page.AddElements("#timeTableStyle")
		case AttendanceMenu.itemSelector():
			page.SetHTML(attendanceHTML)
			page.AddElements(attendanceTable)
		case CalendarMenu.itemSelector():
			page.SetHTML(calendarHTML)
			page.Show("#list-wrapper")
		}
	})
	page.Handle(func(js string) (any, bool, error) {
		if js == calendarRenderedJS {
			return true, true, nil
		}
		return nil, false, nil
	})
	return page
}

func TestOpenClicksMenuItem(t *testing.T) {
	page := newPortal()
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	require.NoError(t, e.Open(AttendanceMenu))
	assert.Equal(t, []string{contentURL}, page.Navigations)
	assert.Equal(t, []string{AttendanceMenu.itemSelector()}, page.Clicks)
}

func TestOpenFallsBackToMenuParam(t *testing.T) {
	page := browsertest.New(contentURL, contentHTML)
	page.OnNavigate(func(url string) {
		if strings.HasSuffix(url, "?menu=StudentAttendance") {
			page.AddElements(attendanceTable)
		}
	})
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	require.NoError(t, e.Open(AttendanceMenu))
	assert.Equal(t, []string{contentURL, contentURL + "?menu=StudentAttendance"}, page.Navigations)
	assert.Empty(t, page.Clicks)
}

func TestOpenGivesUpAfterCycles(t *testing.T) {
	page := browsertest.New(contentURL, contentHTML)
	cfg := testConfig()
	cfg.MaxCycles = 2
	cfg.AnchorTimeout = 10 * time.Millisecond
	e := NewExtractor(page, "s1", cfg, quietLogger())

	err := e.Open(CalendarMenu)
	assert.ErrorIs(t, err, ErrMenuUnavailable)
	assert.Contains(t, err.Error(), "calendar")
	assert.Equal(t, 4, page.NavigationCount())
}

func TestOpenFailsWhenPageIsGone(t *testing.T) {
	page := browsertest.New(contentURL, contentHTML)
	page.SetFailing(true)
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	err := e.Open(TimetableMenu)
	assert.ErrorIs(t, err, browsertest.ErrPageGone)
}

func TestMenuItemSelector(t *testing.T) {
	assert.Equal(t, `a.systemBtnMenu[data-url*="StudentAttendance"]`, AttendanceMenu.itemSelector())
}

func TestSelectOptionResolvesShortcut(t *testing.T) {
	page := browsertest.New(contentURL, "")
	page.AddElements(SemesterSelect)

	var chose string
	page.Handle(func(js string) (any, bool, error) {
		switch {
		case js == optionLabelsJS(SemesterSelect):
			return `["Fall Semester 2025-26","Winter Semester 2024-25"]`, true, nil
		case js == selectOptionJS(SemesterSelect, "Winter Semester 2024-25"):
			chose = "Winter Semester 2024-25"
			return true, true, nil
		case js == selectedLabelJS(SemesterSelect):
			return chose, true, nil
		}
		return nil, false, nil
	})
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	assert.True(t, e.SelectOption(SemesterSelect, "S2"))
	assert.Equal(t, "Winter Semester 2024-25", chose)
	assert.Equal(t, "Winter Semester 2024-25", SelectedLabel(page, SemesterSelect))
	assert.Equal(t, []string{"Fall Semester 2025-26", "Winter Semester 2024-25"}, Options(page, SemesterSelect))
}

func TestSelectOptionNoMatch(t *testing.T) {
	page := browsertest.New(contentURL, "")
	page.AddElements(SemesterSelect)
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	assert.False(t, e.SelectOption(SemesterSelect, "Summer"))
	assert.False(t, e.SelectOption(SemesterSelect, "  "))
	assert.False(t, e.SelectOption(ClassGroupSelect, "General"), "absent dropdown")
	assert.Empty(t, Options(page, SemesterSelect))
}

func TestCaptureCalendar(t *testing.T) {
	page := newPortal()
	page.SetHTML(calendarHTML)
	page.Show("#list-wrapper")
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	dir := filepath.Join(t.TempDir(), CalendarDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.png"), []byte("old"), 0644))

	paths, err := e.CaptureCalendar(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		assert.FileExists(t, p)
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{
		"01_Dec_2024_part01.png",
		"02_Jul_2025_part01.png",
		"03_Aug_2025_part01.png",
		"04_Sep_2025_part01.png",
	}, names)
	assert.NoFileExists(t, filepath.Join(dir, "stale.png"))
	assert.Contains(t, page.Execs, "() => { processViewCalendar('Sep','2025') }")
}

func TestCaptureCalendarWithoutControls(t *testing.T) {
	page := browsertest.New(contentURL, `<p>Calendar will be published soon</p>`)
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	dir := t.TempDir()
	paths, err := e.CaptureCalendar(dir)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "calendar.png", filepath.Base(paths[0]))
}

func TestScrollSlices(t *testing.T) {
	page := browsertest.New(contentURL, calendarHTML)
	page.Show("#list-wrapper")
	page.Handle(func(js string) (any, bool, error) {
		if js == scrollMetricsJS("#list-wrapper") {
			return `{"scrollHeight":500,"clientHeight":200}`, true, nil
		}
		return nil, false, nil
	})
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	paths, err := e.scrollSlices("#list-wrapper", t.TempDir(), "01_Jul_2025")
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, "01_Jul_2025_part04.png", filepath.Base(paths[3]))
	assert.Contains(t, page.Execs, scrollToJS("#list-wrapper", 300))
}

func TestRun(t *testing.T) {
	page := newPortal()
	page.AddElements(SemesterSelect)
	var searched bool
	page.Handle(func(js string) (any, bool, error) {
		switch js {
		case optionLabelsJS(SemesterSelect):
			return `["Fall Semester 2025-26"]`, true, nil
		case selectOptionJS(SemesterSelect, "Fall Semester 2025-26"):
			return true, true, nil
		case clickSearchJS:
			searched = true
			return true, true, nil
		}
		return nil, false, nil
	})

	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	e := NewExtractor(page, "sess-1", testConfig(), quietLogger()).
		WithRecorder(rec).
		WithObserver(obs)

	dir := t.TempDir()
	assets, err := e.Run(context.Background(), dir, Selections{AttendanceSemester: "S1"})
	require.NoError(t, err)

	assert.Empty(t, assets.Failures)
	assert.Equal(t, filepath.Join(dir, TimetableFile), assets.Timetable)
	assert.FileExists(t, assets.Timetable)
	assert.FileExists(t, assets.RegisteredCourses)
	assert.FileExists(t, assets.Attendance)
	assert.FileExists(t, assets.AttendanceCounts)
	assert.Len(t, assets.Calendar, 4)
	assert.True(t, searched)

	data, err := os.ReadFile(assets.AttendanceCounts)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"course_code": "BCSE101L"`)
	assert.Contains(t, string(data), `"total_credits": 7.5`)

	data, err = os.ReadFile(assets.RegisteredCourses)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"CourseCode": "BMAT102L"`)

	assert.Equal(t, map[string]string{
		KindTimetable:  StatusOK,
		KindCourses:    StatusOK,
		KindAttendance: StatusOK,
		KindCalendar:   StatusOK,
	}, rec.byKind())
	for _, ex := range rec.rows {
		assert.Equal(t, "sess-1", ex.SessionID)
	}
	assert.Len(t, obs.seen, 4)
}

func TestRunRecordsFailures(t *testing.T) {
	page := browsertest.New(contentURL, contentHTML)
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.AnchorTimeout = 10 * time.Millisecond
	e := NewExtractor(page, "sess-2", cfg, quietLogger()).WithRecorder(rec)

	assets, err := e.Run(context.Background(), t.TempDir(), Selections{})
	require.NoError(t, err)

	assert.Len(t, assets.Failures, 4)
	assert.Contains(t, assets.Failures[KindAttendance], "portal view did not load")
	assert.Empty(t, assets.Timetable)
	assert.Empty(t, assets.Calendar)
	assert.Equal(t, map[string]string{
		KindTimetable:  StatusFailed,
		KindCourses:    StatusFailed,
		KindAttendance: StatusFailed,
		KindCalendar:   StatusFailed,
	}, rec.byKind())
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	page := newPortal()
	e := NewExtractor(page, "s1", testConfig(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assets, err := e.Run(ctx, t.TempDir(), Selections{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, assets)
	assert.NotEmpty(t, assets.Timetable)
	assert.Equal(t, []string{TimetableMenu.itemSelector()}, page.Clicks)
}
