package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"semaphore/qrsession/internal/auth"
	"semaphore/qrsession/internal/config"
	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/session"
)

const (
	minQRSize = 64
	maxQRSize = 1024
)

type Server struct {
	manager      *session.Manager
	scanner      *session.Scanner
	jwtPublicKey *rsa.PublicKey
	jwtIssuer    string
	qrSize       int
	validate     *validator.Validate
	log          logrus.FieldLogger
}

func NewServer(cfg config.Config, manager *session.Manager, scanner *session.Scanner, log logrus.FieldLogger) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	qrSize := cfg.QRImageSize
	if qrSize < minQRSize || qrSize > maxQRSize {
		qrSize = 256
	}
	return &Server{
		manager:      manager,
		scanner:      scanner,
		jwtPublicKey: publicKey,
		jwtIssuer:    cfg.JWTIssuer,
		qrSize:       qrSize,
		validate:     validator.New(),
		log:          log,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleOpenSession)
		r.Post("/scan", s.handleScan)
		r.Get("/active/{sectionId}/{courseId}", s.handleGetActiveSession)
		r.Get("/{sessionId}", s.handleGetSession)
		r.Get("/{sessionId}/qr", s.handleGetSessionQR)
		r.Put("/{sessionId}/close", s.handleCloseSession)
		r.Get("/{sessionId}/stats", s.handleGetSessionStats)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.jwtIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func actorFromContext(ctx context.Context) session.Actor {
	claims := claimsFromContext(ctx)
	if claims == nil {
		return session.Actor{}
	}
	return claims.Actor()
}

// canManage reports whether actor may open or inspect sessions of sectionID.
// Teachers are limited to the section carried in their token.
func canManage(actor session.Actor, sectionID string) bool {
	switch actor.Role {
	case session.RoleAdmin:
		return true
	case session.RoleTeacher:
		return actor.SectionID != "" && actor.SectionID == sectionID
	default:
		return false
	}
}

// Sessions

type openSessionRequest struct {
	SectionID        string     `json:"sectionId" validate:"required"`
	CourseID         string     `json:"courseId" validate:"required"`
	DurationMinutes  int        `json:"durationMinutes" validate:"gte=0"`
	Location         *geo.Point `json:"location"`
	AllowedRadius    float64    `json:"allowedRadius" validate:"gte=0"`
	AntiCheatEnabled bool       `json:"antiCheatEnabled"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	if !s.valid(w, req) {
		return
	}
	if !canManage(actor, req.SectionID) {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}
	sess, err := s.manager.Open(r.Context(), actor, session.OpenRequest{
		SectionID:       req.SectionID,
		CourseID:        req.CourseID,
		DurationMinutes: req.DurationMinutes,
		Location:        req.Location,
		AllowedRadius:   req.AllowedRadius,
		AntiCheat:       req.AntiCheatEnabled,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type scanRequest struct {
	Payload    string             `json:"payload" validate:"required"`
	StudentID  string             `json:"studentId"`
	Location   *geo.Point         `json:"location"`
	DeviceInfo session.DeviceInfo `json:"deviceInfo"`
}

type scanResponse struct {
	Status string `json:"status"`
	session.ScanResult
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	if !s.valid(w, req) {
		return
	}
	studentID := strings.TrimSpace(req.StudentID)
	if actor.Role == session.RoleStudent {
		if studentID != "" && studentID != actor.ID {
			writeError(w, http.StatusForbidden, "forbidden", "students can only scan for themselves")
			return
		}
		studentID = actor.ID
	}
	result, err := s.scanner.Record(r.Context(), session.ScanRequest{
		StudentID:  studentID,
		Payload:    req.Payload,
		Location:   req.Location,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{Status: string(session.StatusPresent), ScanResult: result})
}

func (s *Server) handleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	sectionID := chi.URLParam(r, "sectionId")
	if !canManage(actor, sectionID) {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}
	sess, err := s.manager.Active(r.Context(), sectionID, chi.URLParam(r, "courseId"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadManagedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSessionQR(w http.ResponseWriter, r *http.Request) {
	size := s.qrSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < minQRSize || parsed > maxQRSize {
			writeError(w, http.StatusBadRequest, "invalid_size", "size must be between 64 and 1024")
			return
		}
		size = parsed
	}
	sess, ok := s.loadManagedSession(w, r)
	if !ok {
		return
	}
	if !sess.IsActive {
		writeError(w, http.StatusGone, "session_closed", "session closed")
		return
	}
	png, err := qrcode.Encode(sess.QRPayload, qrcode.Medium, size)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Error("qr render failed")
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type closeSessionRequest struct {
	GenerateAttendanceRecord bool `json:"generateAttendanceRecord"`
}

type closeSessionResponse struct {
	Session          session.Session `json:"session"`
	AttendanceRecord []session.Entry `json:"attendanceRecord,omitempty"`
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role == session.RoleStudent {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}
	var req closeSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	closed, entries, err := s.manager.Close(r.Context(), actor, chi.URLParam(r, "sessionId"), req.GenerateAttendanceRecord)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeSessionResponse{Session: closed, AttendanceRecord: entries})
}

func (s *Server) handleGetSessionStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadManagedSession(w, r)
	if !ok {
		return
	}
	stats, err := s.manager.Stats(r.Context(), sess.ID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// loadManagedSession fetches the session named in the path and checks that
// the caller may manage its section. It writes the error response itself.
func (s *Server) loadManagedSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	actor := actorFromContext(r.Context())
	if actor.Role == session.RoleStudent {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return session.Session{}, false
	}
	sess, err := s.manager.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeSessionError(w, err)
		return session.Session{}, false
	}
	if !canManage(actor, sess.SectionID) {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return session.Session{}, false
	}
	return sess, true
}

// Errors

func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindConflict:
		return http.StatusConflict
	case session.KindGone:
		return http.StatusGone
	case session.KindForbidden:
		return http.StatusForbidden
	case session.KindBadRequest, session.KindMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var e *session.Error
	if !errors.As(err, &e) || e.Kind == session.KindInternal {
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	status := statusForKind(e.Kind)
	// Closing twice is a client mistake rather than a state race.
	if e.Code == "session_already_closed" {
		status = http.StatusBadRequest
	}
	writeError(w, status, e.Code, e.Reason)
}

func (s *Server) valid(w http.ResponseWriter, req interface{}) bool {
	err := s.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0]
		if field.Tag() == "required" {
			writeError(w, http.StatusBadRequest, "missing_fields", field.Field()+" is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", field.Field()+" failed "+field.Tag())
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "")
	return false
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{"error": code}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}
