package extract

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AttendanceCount is the minimal per-course attendance figure.
type AttendanceCount struct {
	CourseCode string `json:"course_code"`
	Attended   int    `json:"attended"`
	Total      int    `json:"total"`
}

// AttendanceView is the target of a row's "view" link.
type AttendanceView struct {
	Href    string `json:"href"`
	OnClick string `json:"onclick"`
	RegID   string `json:"regid"`
	Slot    string `json:"slot"`
}

// AttendanceRow is one full row of the attendance summary.
type AttendanceRow struct {
	SlNo                 *int           `json:"slno"`
	CourseCode           string         `json:"course_code"`
	CourseTitle          string         `json:"course_title"`
	CourseType           string         `json:"course_type"`
	Slot                 string         `json:"slot"`
	Faculty              string         `json:"faculty"`
	AttendanceType       string         `json:"attendance_type"`
	RegistrationDateTime string         `json:"registration_datetime"`
	AttendanceDate       string         `json:"attendance_date"`
	Attended             *int           `json:"attended"`
	Total                *int           `json:"total"`
	Percentage           *int           `json:"percentage"`
	Status               string         `json:"status"`
	View                 AttendanceView `json:"view"`
}

// Attendance is the parsed summary page.
type Attendance struct {
	Rows         []AttendanceRow `json:"rows"`
	TotalCredits *float64        `json:"total_credits"`
	Note         string          `json:"note"`
}

// AttendanceCounts is the counts-only rendering of the summary page.
type AttendanceCounts struct {
	Rows         []AttendanceCount `json:"rows"`
	TotalCredits *float64          `json:"total_credits"`
	Note         string            `json:"note"`
}

const attendanceTable = "div.table-responsive table"

var viewDetailRe = regexp.MustCompile(`processViewAttendanceDetail\('([^']+)'\s*,\s*'([^']+)'\)`)

// Column positions used when the header cannot be read.
const (
	colCourseCode = 1
	colAttended   = 9
	colTotal      = 10
)

type attendancePage struct {
	rows    []*goquery.Selection
	columns map[string]int
	credits *float64
	note    string
}

// ErrNoAttendanceTable is returned when the summary table is missing.
var ErrNoAttendanceTable = errors.New("attendance table not found")

func readAttendancePage(html string) (*attendancePage, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	table := doc.Find(attendanceTable).First()
	if table.Length() == 0 {
		return nil, ErrNoAttendanceTable
	}

	p := &attendancePage{columns: map[string]int{}}
	names := map[string]string{
		"course code":      "course_code",
		"course code*":     "course_code",
		"attended classes": "attended",
		"attended":         "attended",
		"total classes":    "total",
		"total":            "total",
	}
	idx := 0
	table.Find("thead th").Each(func(_ int, th *goquery.Selection) {
		name := strings.ToLower(cleanText(th.Text()))
		if name == "" {
			return
		}
		if key, ok := names[name]; ok {
			p.columns[key] = idx
		}
		idx++
	})

	p.note = cleanText(doc.Find("div.table-responsive h5 span").First().Text())

	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		tds := tr.ChildrenFiltered("td")
		text := tr.Text()
		if tds.Length() == 1 || strings.Contains(text, "Total Number Of Credits") {
			if m := creditsRe.FindStringSubmatch(text); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil {
					p.credits = &v
				}
			}
			return
		}
		if tds.Length() < 11 {
			return
		}
		p.rows = append(p.rows, tr)
	})
	return p, nil
}

func (p *attendancePage) column(key string, fallback int) int {
	if i, ok := p.columns[key]; ok {
		return i
	}
	return fallback
}

// cell joins paragraph texts with " | " or falls back to the cell text.
func cell(td *goquery.Selection) string {
	var parts []string
	td.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := cleanText(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) > 0 {
		return strings.Join(parts, " | ")
	}
	return cleanText(td.Text())
}

func toInt(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &n
}

// ParseAttendanceCounts reads course code, attended and total per course.
// Columns come from the header when it names them, else fixed positions.
// Rows missing any of the three are dropped.
func ParseAttendanceCounts(html string) (*AttendanceCounts, error) {
	p, err := readAttendancePage(html)
	if err != nil {
		return nil, err
	}
	iCode := p.column("course_code", colCourseCode)
	iAttd := p.column("attended", colAttended)
	iTotl := p.column("total", colTotal)

	out := &AttendanceCounts{Rows: []AttendanceCount{}, TotalCredits: p.credits, Note: p.note}
	for _, tr := range p.rows {
		tds := tr.ChildrenFiltered("td")
		if iCode >= tds.Length() || iAttd >= tds.Length() || iTotl >= tds.Length() {
			continue
		}
		code := cell(tds.Eq(iCode))
		attended := toInt(cell(tds.Eq(iAttd)))
		total := toInt(cell(tds.Eq(iTotl)))
		if code == "" || attended == nil || total == nil {
			continue
		}
		out.Rows = append(out.Rows, AttendanceCount{CourseCode: code, Attended: *attended, Total: *total})
	}
	return out, nil
}

// ParseAttendance reads every column of the summary. Rows shorter than the
// full fourteen columns are skipped.
func ParseAttendance(html string) (*Attendance, error) {
	p, err := readAttendancePage(html)
	if err != nil {
		return nil, err
	}
	out := &Attendance{Rows: []AttendanceRow{}, TotalCredits: p.credits, Note: p.note}
	for _, tr := range p.rows {
		tds := tr.ChildrenFiltered("td")
		if tds.Length() < 14 {
			continue
		}
		c := func(i int) string { return cell(tds.Eq(i)) }

		row := AttendanceRow{
			SlNo:                 toInt(c(0)),
			CourseCode:           c(1),
			CourseTitle:          c(2),
			CourseType:           c(3),
			Slot:                 c(4),
			Faculty:              c(5),
			AttendanceType:       c(6),
			RegistrationDateTime: c(7),
			AttendanceDate:       c(8),
			Attended:             toInt(c(9)),
			Total:                toInt(c(10)),
			Status:               c(12),
		}
		if pct := c(11); pct != "" && pct != "-" {
			row.Percentage = toInt(pct)
		}
		if a := tds.Eq(13).Find("a").First(); a.Length() > 0 {
			row.View.Href, _ = a.Attr("href")
			row.View.OnClick, _ = a.Attr("onclick")
			if m := viewDetailRe.FindStringSubmatch(row.View.OnClick); m != nil {
				row.View.RegID, row.View.Slot = m[1], m[2]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
