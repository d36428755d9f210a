package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aidetector/internal/classify"
	"aidetector/internal/pipeline"
	"aidetector/internal/query"
	"aidetector/internal/ratelimit"
	"aidetector/internal/records"
	"aidetector/internal/usertoken"
	"aidetector/internal/util"
	"aidetector/pkg/domain"
	"aidetector/pkg/storage"
)

const presignWorkers = 8

// Config wires required dependencies for the HTTP server.
type Config struct {
	Users          *records.Users
	Pipeline       *pipeline.Pipeline
	Query          *query.Engine
	Objects        storage.ObjectStore
	Classifier     classify.Classifier
	Tokens         *usertoken.Manager
	LoginLimiter   *ratelimit.FixedWindowLimiter
	MaxUploadBytes int64
	PresignTTL     time.Duration
}

// Server exposes the HTTP API for the detector service.
type Server struct {
	users          *records.Users
	pipeline       *pipeline.Pipeline
	query          *query.Engine
	objects        storage.ObjectStore
	classifier     classify.Classifier
	tokens         *usertoken.Manager
	loginLimiter   *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
	maxUploadBytes int64
	presignTTL     time.Duration
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("server: token manager is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	s := &Server{
		users:          cfg.Users,
		pipeline:       cfg.Pipeline,
		query:          cfg.Query,
		objects:        cfg.Objects,
		classifier:     cfg.Classifier,
		tokens:         cfg.Tokens,
		loginLimiter:   cfg.LoginLimiter,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		presignTTL:     presignTTL,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("detector", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/logout", s.handleLogout)

	s.mux.Handle("/detect", s.withUser(s.handleDetect))
	s.mux.Handle("/detect-image", s.withUser(s.handleDetectImage))
	s.mux.HandleFunc("/images", s.handleListImages)
	s.mux.Handle("/images/", s.withUser(s.handleImageByID))
	s.mux.Handle("/result/", s.withUser(s.handleResult))
	s.mux.Handle("/user/set_feedback", s.withUser(s.handleSetFeedback))
	s.mux.Handle("/user/save_accuracy", s.withUser(s.handleSaveAccuracy))

	s.mux.Handle("/admin/uploads", s.withAdmin(s.handleAdminUploads))
	s.mux.Handle("/admin/users", s.withAdmin(s.handleAdminCreateUser))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionToken accepts a bearer header or the session cookie.
func sessionToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	cookie, err := r.Cookie(usertoken.CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := sessionToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, found, err := s.users.GetByID(r.Context(), claims.Subject)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) withAdmin(next userHandler) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.loginLimiter != nil && !s.loginLimiter.Allow(r.Context(), util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, ok, err := s.users.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.tokens.Issue(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     usertoken.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(usertoken.TTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     usertoken.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// readUploadFile pulls the multipart "file" field, enforcing the size cap and
// the png/jpeg allow-list. The bool reports whether an error response was
// already written.
func (s *Server) readUploadFile(w http.ResponseWriter, r *http.Request) (string, string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid form data")
		}
		return "", "", nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return "", "", nil, false
	}
	defer file.Close()

	contentType := contentTypeForImage(header.Filename)
	if contentType == "" {
		writeError(w, http.StatusBadRequest, "unsupported file type (png or jpeg only)")
		return "", "", nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return "", "", nil, false
	}
	if int64(len(data)) > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return "", "", nil, false
	}
	return header.Filename, contentType, data, true
}

func contentTypeForImage(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return ""
	}
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	filename, contentType, data, ok := s.readUploadFile(w, r)
	if !ok {
		return
	}
	result, err := s.classifier.Predict(r.Context(), contentType, data)
	if err != nil {
		writeError(w, http.StatusBadGateway, "inference service unavailable")
		return
	}
	rec, err := s.pipeline.Submit(r.Context(), pipeline.SubmitInput{
		Filename:    filename,
		OwnerUserID: user.ID,
		Label:       result.Label,
		Confidence:  result.Confidence,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		var partial *pipeline.PartialFailureError
		if errors.As(err, &partial) {
			util.Logger(r).Error("upload left incomplete", "image_id", partial.ImageID, "stage", partial.Stage, "err", partial.Err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":    "upload incomplete",
				"code":     "UPLOAD_INCOMPLETE",
				"image_id": partial.ImageID,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"image_id":   rec.ID,
		"filename":   rec.Filename,
		"prediction": rec.ModelPrediction,
		"confidence": rec.Confidence,
		"url":        storage.PresignedURL(r.Context(), s.objects, rec.ObjectKey, s.presignTTL),
	})
}

// handleDetectImage classifies without persisting anything.
func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	_, contentType, data, ok := s.readUploadFile(w, r)
	if !ok {
		return
	}
	result, err := s.classifier.Predict(r.Context(), contentType, data)
	if err != nil {
		writeError(w, http.StatusBadGateway, "inference service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prediction": result.Label,
		"confidence": result.Confidence,
	})
}

// handleListImages is the public listing: lenient sort handling, fixed page
// of up to 100 records.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	recs, err := s.query.List(r.Context(), query.Params{
		Limit:      100,
		SortBy:     q.Get("sort_by"),
		Order:      q.Get("order"),
		Username:   q.Get("username"),
		Prediction: q.Get("prediction"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": recs,
		"count": len(recs),
	})
}

// /images/{id}, DELETE only. Owner or admin.
func (s *Server) handleImageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/images/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	rec, err := s.pipeline.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			notFound(w, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec.OwnerUserID != user.ID && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.pipeline.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			notFound(w, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// /result/{id}
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/result/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	rec, err := s.pipeline.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			notFound(w, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec.OwnerUserID != user.ID && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if rec.Provisional() {
		// Upload never completed; the record has no retrievable object.
		notFound(w, "image not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"image_id":        rec.ID,
		"filename":        rec.Filename,
		"prediction":      rec.ModelPrediction,
		"confidence":      rec.Confidence,
		"user_prediction": rec.UserPrediction,
		"uploaded_at":     rec.UploadedAt,
		"url":             storage.PresignedURL(r.Context(), s.objects, rec.ObjectKey, s.presignTTL),
	})
}

type feedbackRequest struct {
	ImageID string `json:"image_id"`
	Agree   *bool  `json:"agree"`
}

func (s *Server) handleSetFeedback(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ImageID == "" || req.Agree == nil {
		writeError(w, http.StatusBadRequest, "image_id and agree are required")
		return
	}
	rec, err := s.pipeline.Get(r.Context(), req.ImageID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			notFound(w, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec.OwnerUserID != user.ID && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.pipeline.ApplyFeedback(r.Context(), req.ImageID, rec.ModelPrediction, *req.Agree); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			notFound(w, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "feedback saved"})
}

type accuracyRequest struct {
	Accuracy *float64 `json:"accuracy"`
}

func (s *Server) handleSaveAccuracy(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req accuracyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Accuracy == nil || *req.Accuracy < 0 || *req.Accuracy > 100 {
		writeError(w, http.StatusBadRequest, "accuracy must be between 0 and 100")
		return
	}
	if err := s.pipeline.SaveAccuracy(r.Context(), user.ID, *req.Accuracy); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accuracy saved"})
}

type adminUploadRow struct {
	ImageID        string            `json:"image_id"`
	Filename       string            `json:"filename"`
	Prediction     domain.Prediction `json:"prediction"`
	Confidence     float64           `json:"confidence"`
	UserPrediction domain.Prediction `json:"user_prediction,omitempty"`
	UploadedAt     time.Time         `json:"uploaded_at"`
	Username       string            `json:"username"`
	URL            string            `json:"url,omitempty"`
}

// handleAdminUploads lists uploads with strict query validation and augments
// each row with the owner's username and a presigned download URL.
func (s *Server) handleAdminUploads(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		offset = n
	}
	recs, err := s.query.List(r.Context(), query.Params{
		Limit:      limit,
		Offset:     offset,
		SortBy:     q.Get("sort_by"),
		Order:      q.Get("order"),
		Username:   q.Get("username"),
		Prediction: q.Get("prediction"),
		Strict:     true,
	})
	if err != nil {
		if errors.Is(err, query.ErrBadSortField) {
			writeError(w, http.StatusBadRequest, "invalid sort field")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rows := make([]adminUploadRow, len(recs))
	var (
		mu        sync.Mutex
		usernames = make(map[string]string)
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(presignWorkers)
	for i, rec := range recs {
		g.Go(func() error {
			row := adminUploadRow{
				ImageID:        rec.ID,
				Filename:       rec.Filename,
				Prediction:     rec.ModelPrediction,
				Confidence:     rec.Confidence,
				UserPrediction: rec.UserPrediction,
				UploadedAt:     rec.UploadedAt,
			}
			mu.Lock()
			name, cached := usernames[rec.OwnerUserID]
			mu.Unlock()
			if !cached {
				owner, found, err := s.users.GetByID(ctx, rec.OwnerUserID)
				if err != nil {
					return err
				}
				if found {
					name = owner.Username
				}
				mu.Lock()
				usernames[rec.OwnerUserID] = name
				mu.Unlock()
			}
			row.Username = name
			if rec.ObjectKey != "" {
				row.URL = storage.PresignedURL(ctx, s.objects, rec.ObjectKey, s.presignTTL)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"count": len(rows),
	})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	user, err := s.users.Register(r.Context(), req.Username, req.Password, req.IsAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "invalid credentials":
		return "AUTH_INVALID_CREDENTIALS"
	case message == "too many login attempts":
		return "AUTH_RATE_LIMITED"
	case message == "forbidden":
		return "IMAGE_FORBIDDEN"
	case message == "image not found":
		return "IMAGE_NOT_FOUND"
	case message == "file too large":
		return "DETECT_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "DETECT_FILE_REQUIRED"
	case strings.Contains(message, "unsupported file type"):
		return "DETECT_UNSUPPORTED_FILE_TYPE"
	case message == "invalid form data":
		return "DETECT_INVALID_UPLOAD_FORM"
	case message == "inference service unavailable":
		return "DETECT_INFERENCE_UNAVAILABLE"
	case message == "invalid sort field":
		return "QUERY_INVALID_SORT"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "IMAGE_FORBIDDEN"
	case http.StatusNotFound:
		return "IMAGE_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
