package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"foresync/auth"
	"foresync/challenge"
	"foresync/extract"
	"foresync/session"
)

type startResponse struct {
	SessionID     string  `json:"session_id"`
	CaptchaCase   string  `json:"captcha_case"`
	CaptchaPNGB64 *string `json:"captcha_png_b64"`
}

type runRequest struct {
	SessionID     string `json:"session_id"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CaptchaText   string `json:"captcha_text"`
	TimetableSem  string `json:"timetable_sem"`
	AttendanceSem string `json:"attendance_sem"`
	CalendarSem   string `json:"calendar_sem"`
	ClassGroup    string `json:"class_group"`
}

func (r runRequest) selections() extract.Selections {
	return extract.Selections{
		TimetableSemester:  r.TimetableSem,
		AttendanceSemester: r.AttendanceSem,
		CalendarSemester:   r.CalendarSem,
		ClassGroup:         r.ClassGroup,
	}
}

type assetsResponse struct {
	OK                    bool              `json:"ok"`
	SessionID             string            `json:"session_id"`
	TimetablePNG          *string           `json:"timetable_png"`
	AttendanceCountsJSON  *string           `json:"attendance_counts_json"`
	CalendarPNGs          []string          `json:"calendar_pngs"`
	RegisteredCoursesJSON *string           `json:"registered_courses_json"`
	Message               *string           `json:"message"`
	Failures              map[string]string `json:"failures,omitempty"`
}

func failedAssets(sessionID, msg string) assetsResponse {
	return assetsResponse{SessionID: sessionID, CalendarPNGs: []string{}, Message: &msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": "ForeSync Backend running"})
}

// handleHealth reports live sessions and, when pacing is on, recent action
// counts per rate-limited action.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "sessions": s.registry.Len()}
	if s.limiter != nil {
		body["limits"] = s.limiter.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) newAuthManager(sess *Session) *auth.AuthManager {
	cfg := s.cfg.Auth
	cfg.MaxPasswordAttempts = 1
	cfg.IdleWithChallenge = s.cfg.RunTimeout
	cfg.IdleWithoutChallenge = s.cfg.RunTimeout
	cfg.OutcomeTimeout = s.cfg.RunTimeout

	mgr := auth.NewAuthManager(sess.Page, sess.ID, cfg, s.logger).
		WithSnapshots(session.NewStore(sess.Dir))
	if s.history != nil {
		mgr.WithRecorder(s.history)
	}
	if s.metrics != nil {
		mgr.WithObserver(s.metrics)
	}
	if s.limiter != nil {
		mgr.WithLimiter(s.limiter)
	}
	return mgr
}

// handleStart opens a browser on the login page and reports the challenge
// the user will have to answer.
func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.registry.Create()
	if err != nil {
		s.logger.WithError(err).Error("Failed to create session")
		writeDetail(w, http.StatusServiceUnavailable, "failed to start a browser session")
		return
	}

	sess.mu.Lock()
	mgr := s.newAuthManager(sess)
	err = mgr.OpenLoginPage()
	var kind challenge.Kind
	var image string
	if err == nil {
		kind = mgr.Classifier().Classify(sess.Page)
		if kind == challenge.Text {
			image = mgr.Classifier().TextImage(sess.Page)
		}
	}
	sess.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Warn("Login page unavailable")
		s.registry.Remove(sess.ID)
		writeDetail(w, http.StatusBadGateway, "login page unavailable")
		return
	}

	resp := startResponse{SessionID: sess.ID, CaptchaCase: kind.String()}
	if image != "" {
		resp.CaptchaPNGB64 = &image
	}
	writeJSON(w, http.StatusOK, resp)
}

// loginMessage maps a failed login to the message shown to the user.
func loginMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialRejected):
		return "Invalid username or password"
	case errors.Is(err, auth.ErrChallengeRejected):
		return "Invalid captcha"
	case errors.Is(err, auth.ErrAmbiguousTimeout):
		return "Login not confirmed"
	case auth.IsLoginForm(err):
		return "Login page unavailable"
	case err != nil:
		return "Login failed: " + err.Error()
	}
	return "Login not confirmed"
}

// handleRun submits the login form with the user's answer and, once the
// portal accepts it, extracts every view into the session directory.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}
	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Invalid or expired session_id")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	log := s.logger.WithField("session_id", sess.ID)

	res, err := s.newAuthManager(sess).Login(r.Context(), auth.Credentials{
		Username:        req.Username,
		Password:        req.Password,
		ChallengeAnswer: req.CaptchaText,
		Submit:          true,
	})
	if res == nil || !res.Success {
		writeJSON(w, http.StatusOK, failedAssets(sess.ID, loginMessage(err)))
		return
	}
	if err != nil {
		log.WithError(err).Warn("Logged in but the session snapshot was not saved")
	}
	sess.loggedIn = true

	s.extract(w, r, sess, req.selections())
}

// handleResync repeats extraction on a session that already logged in.
// Credentials in the body are ignored.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Invalid or expired session_id")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.loggedIn {
		writeDetail(w, http.StatusConflict, "session is not logged in")
		return
	}
	s.extract(w, r, sess, req.selections())
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request, sess *Session, sel extract.Selections) {
	ex := extract.NewExtractor(sess.Page, sess.ID, s.cfg.Extract, s.logger)
	if s.history != nil {
		ex.WithRecorder(s.history)
	}
	if s.metrics != nil {
		ex.WithObserver(s.metrics)
	}
	if s.limiter != nil {
		ex.WithLimiter(s.limiter)
	}

	assets, err := ex.Run(r.Context(), sess.Dir, sel)
	if assets == nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Error("Extraction could not start")
		writeDetail(w, http.StatusInternalServerError, "extraction failed")
		return
	}

	resp := s.assetsResponse(sess.ID, assets)
	if err != nil {
		msg := "Extraction interrupted: " + err.Error()
		resp.OK = false
		resp.Message = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) assetsResponse(sessionID string, a *extract.Assets) assetsResponse {
	resp := assetsResponse{
		OK:                    true,
		SessionID:             sessionID,
		TimetablePNG:          s.relPath(a.Timetable),
		AttendanceCountsJSON:  s.relPath(a.AttendanceCounts),
		RegisteredCoursesJSON: s.relPath(a.RegisteredCourses),
		CalendarPNGs:          []string{},
	}
	for _, p := range a.Calendar {
		if rel := s.relPath(p); rel != nil {
			resp.CalendarPNGs = append(resp.CalendarPNGs, *rel)
		}
	}
	sort.Strings(resp.CalendarPNGs)

	if len(a.Failures) > 0 {
		kinds := make([]string, 0, len(a.Failures))
		for k := range a.Failures {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		msg := "Some steps failed: " + strings.Join(kinds, ", ")
		resp.Message = &msg
		resp.Failures = a.Failures
	}
	return resp
}

// relPath renders an artifact path relative to the sessions root, the form
// /file accepts.
func (s *Server) relPath(p string) *string {
	if p == "" {
		return nil
	}
	rel, err := filepath.Rel(s.registry.Root(), p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	rel = filepath.ToSlash(rel)
	return &rel
}

// resolve maps a path from /file onto the sessions root, refusing anything
// that would escape it.
func (s *Server) resolve(rel string) (string, bool) {
	root := s.registry.Root()
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", false
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil || !strings.HasPrefix(realTarget, realRoot+string(os.PathSeparator)) {
		return "", false
	}
	return realTarget, true
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeDetail(w, http.StatusBadRequest, "path is required")
		return
	}
	target, ok := s.resolve(rel)
	if !ok {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	f, err := os.Open(target)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleCourses lists the course codes of the session's registered courses.
func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.URL.Query().Get("session_id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Invalid or expired session_id")
		return
	}

	data, err := os.ReadFile(filepath.Join(sess.Dir, extract.RegisteredCoursesFile))
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(w, http.StatusOK, map[string][]string{"courses": {}})
		return
	}
	var rows []extract.Course
	if err == nil {
		err = json.Unmarshal(data, &rows)
	}
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to read registered courses")
		writeDetail(w, http.StatusInternalServerError, "registered courses unreadable")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"courses": extract.CourseCodes(rows)})
}
