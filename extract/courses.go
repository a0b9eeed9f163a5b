package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Course is one row of the registered courses table keyed by column header.
type Course map[string]string

var (
	courseCodeRe = regexp.MustCompile(`[A-Z]{2,4}\d{3,4}[A-Z]?`)
	spaceRe      = regexp.MustCompile(`\s+`)
	creditsRe    = regexp.MustCompile(`(?i)Total\s+Number\s+Of\s+Credits:\s*([0-9]+(?:\.[0-9]+)?)`)
)

func parseDoc(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return doc, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ParseRegisteredCourses finds the first table whose headers mention a
// course and a slot or venue and returns its data rows. A page without such
// a table yields no rows.
func ParseRegisteredCourses(html string) ([]Course, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}

	var (
		target  *goquery.Selection
		headers []string
	)
	doc.Find("table").EachWithBreak(func(_ int, tbl *goquery.Selection) bool {
		var heads []string
		tbl.Find("th").Each(func(_ int, th *goquery.Selection) {
			heads = append(heads, cleanText(th.Text()))
		})
		var course, slotOrVenue bool
		for _, h := range heads {
			n := strings.ToLower(strings.ReplaceAll(h, " ", ""))
			course = course || strings.Contains(n, "course")
			slotOrVenue = slotOrVenue || strings.Contains(n, "slot") || strings.Contains(n, "venue")
		}
		if course && slotOrVenue {
			target, headers = tbl, heads
			return false
		}
		return true
	})
	if target == nil {
		return nil, nil
	}

	var out []Course
	target.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		tds := tr.ChildrenFiltered("td")
		if tds.Length() == 0 {
			return
		}
		rec := Course{}
		tds.Each(func(i int, td *goquery.Selection) {
			key := fmt.Sprintf("Col%d", i+1)
			if i < len(headers) && headers[i] != "" {
				key = headers[i]
			}
			rec[key] = cleanText(td.Text())
		})
		for _, h := range headers {
			if strings.HasPrefix(strings.ToLower(h), "slot") {
				if v, ok := rec[h]; ok {
					rec["Slot"] = v
				}
				break
			}
		}
		if code := firstCourseCode(rec); code != "" {
			rec["CourseCode"] = code
		}
		out = append(out, rec)
	})
	return out, nil
}

func firstCourseCode(rec Course) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if strings.Contains(strings.ToLower(k), "course") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m := courseCodeRe.FindString(strings.ToUpper(rec[k])); m != "" {
			return m
		}
	}
	return ""
}

// CourseCodes collects the distinct course codes found anywhere in rows,
// sorted.
func CourseCodes(rows []Course) []string {
	seen := map[string]bool{}
	for _, r := range rows {
		vals := make([]string, 0, len(r))
		for _, v := range r {
			if v != "" {
				vals = append(vals, v)
			}
		}
		for _, m := range courseCodeRe.FindAllString(strings.ToUpper(strings.Join(vals, " ")), -1) {
			seen[m] = true
		}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
