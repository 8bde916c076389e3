package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/avoronova/coursecraft/internal/auth"
	"github.com/avoronova/coursecraft/internal/common"
	"github.com/avoronova/coursecraft/internal/config"
	"github.com/avoronova/coursecraft/internal/generator"
	"github.com/avoronova/coursecraft/internal/job"
	"github.com/avoronova/coursecraft/internal/jobstore"
	"github.com/avoronova/coursecraft/internal/models"
	"github.com/avoronova/coursecraft/internal/repository"
	"github.com/avoronova/coursecraft/internal/runner"
	"github.com/avoronova/coursecraft/internal/storage"
	"github.com/avoronova/coursecraft/internal/validation"

	redisvc "github.com/avoronova/coursecraft/internal/redis"
)

type Handlers struct {
	Jobs    *jobstore.Store
	Runner  *runner.Runner
	Repo    *repository.Repository
	Storage storage.Storage
	Redis   *redisvc.Service
	Config  config.Config
}

func (h *Handlers) Routers(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Post("/v1/auth/register", h.register)
		r.Post("/v1/auth/login", h.login)
		r.Post("/v1/auth/refresh", h.refresh)
	})

	r.Get("/files/*", h.serveFiles)

	r.Group(func(r chi.Router) {
		r.Use(auth.JWTMiddleware(h.Config.JWTSecret, h.Config.JWTIssuer))

		r.Post("/v1/auth/logout", h.logout)

		r.With(auth.RequirePerm(auth.PermAssignmentWrite)).Post("/v1/assignments", h.createAssignment)
		r.With(auth.RequirePerm(auth.PermAssignmentRead)).Get("/v1/assignments", h.listAssignments)
		r.With(auth.RequirePerm(auth.PermAssignmentRead)).Get("/v1/assignments/{id}", h.getAssignment)
		r.With(auth.RequirePerm(auth.PermAssignmentWrite)).Put("/v1/assignments/{id}", h.updateAssignment)
		r.With(auth.RequirePerm(auth.PermAssignmentWrite)).Post("/v1/assignments/{id}/attachments", h.uploadAttachments)

		generateLimit := httprate.LimitByIP(h.Config.GenerateRPM, time.Minute)
		r.With(auth.RequirePerm(auth.PermAssignmentPublish), generateLimit).
			Post("/v1/assignments/{id}/publish", h.publishAssignment)
		r.With(auth.RequirePerm(auth.PermGenerate), generateLimit).
			Post("/v1/assignments/{id}/generate-questions", h.generateQuestions)

		r.With(auth.RequirePerm(auth.PermJobRead)).Get("/v1/jobs/{id}", h.getJob)
		r.With(auth.RequirePerm(auth.PermJobRead)).Get("/v1/jobs/{id}/stream", h.streamJob)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": errs,
	})
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if errs := validation.ValidateStruct(req); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	passwordHash, err := h.Repo.HashPassword(req.Password)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Roles:        []string{"author"},
	}
	if err := h.Repo.CreateUser(r.Context(), user); err != nil {
		if strings.Contains(err.Error(), "unique constraint") || strings.Contains(err.Error(), "duplicate key") {
			http.Error(w, "username or email already exists", http.StatusConflict)
			return
		}
		slog.Error("failed to create user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "user registered successfully",
		"user_id": user.ID,
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if errs := validation.ValidateStruct(req); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	user, err := h.Repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Warn("login attempt with unknown email", "email", req.Email)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if !h.Repo.CheckPassword(req.Password, user.PasswordHash) {
		slog.Warn("login attempt with invalid password", "email", req.Email)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	tokens, err := h.issueTokens(r, user)
	if err != nil {
		slog.Error("failed to issue tokens", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handlers) issueTokens(r *http.Request, user *models.User) (*auth.TokenPair, error) {
	tokens, err := auth.NewTokenPair(
		h.Config.JWTSecret,
		h.Config.JWTIssuer,
		user.ID,
		user.Roles,
		h.Config.JWTTTLAccess,
		h.Config.JWTTTLRefresh,
	)
	if err != nil {
		return nil, err
	}

	tokenHash := h.Repo.HashRefreshToken(tokens.RefreshToken)
	if err := h.Redis.StoreRefreshToken(r.Context(), user.ID.String(), tokenHash, h.Config.JWTTTLRefresh); err != nil {
		return nil, err
	}

	record := &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: tokenHash,
		ExpiresAt: time.Now().Add(h.Config.JWTTTLRefresh),
	}
	if err := h.Repo.CreateRefreshToken(r.Context(), record); err != nil {
		slog.Error("failed to record refresh token", "error", err)
	}
	return tokens, nil
}

func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		http.Error(w, "refresh_token is required", http.StatusBadRequest)
		return
	}

	tokenHash := h.Repo.HashRefreshToken(req.RefreshToken)
	userID, err := h.Redis.GetRefreshTokenUserID(r.Context(), tokenHash)
	if err != nil {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}

	userUUID, err := uuid.Parse(userID)
	if err != nil {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	user, err := h.Repo.GetUserByID(r.Context(), userUUID)
	if err != nil {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}

	if err := h.Redis.RevokeRefreshToken(r.Context(), tokenHash); err != nil {
		slog.Error("failed to revoke old refresh token", "error", err)
	}

	tokens, err := h.issueTokens(r, user)
	if err != nil {
		slog.Error("failed to issue tokens", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.RefreshToken != "" {
		tokenHash := h.Repo.HashRefreshToken(req.RefreshToken)
		if err := h.Redis.RevokeRefreshToken(r.Context(), tokenHash); err != nil {
			slog.Error("failed to revoke refresh token", "error", err)
		}
		if err := h.Repo.RevokeRefreshToken(r.Context(), tokenHash); err != nil {
			slog.Error("failed to revoke refresh token in db", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

// serveFiles streams stored attachments through the storage backend, so the
// same route works for local disk and S3.
func (h *Handlers) serveFiles(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	if key == "" || strings.Contains(key, "..") {
		http.Error(w, "invalid file path", http.StatusBadRequest)
		return
	}

	f, contentType, err := h.Storage.GetFile(r.Context(), key)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if _, err := io.Copy(w, f); err != nil {
		slog.Debug("file stream interrupted", "key", key, "error", err)
	}
}

type assignmentRequest struct {
	Title       string `json:"title" validate:"required,min=1,max=200"`
	Subject     string `json:"subject" validate:"max=100"`
	Description string `json:"description" validate:"max=4000"`
}

func (h *Handlers) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if errs := validation.ValidateStruct(req); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	a := &models.Assignment{
		OwnerID:     ownerID,
		Title:       req.Title,
		Subject:     req.Subject,
		Description: req.Description,
		Status:      models.AssignmentDraft,
	}
	if err := h.Repo.CreateAssignment(r.Context(), a); err != nil {
		slog.Error("failed to create assignment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	ownerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	assignments, err := h.Repo.GetAssignmentsByOwnerID(r.Context(), ownerID)
	if err != nil {
		slog.Error("failed to list assignments", "owner_id", ownerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

// ownedAssignment loads the assignment and enforces owner or admin access.
func (h *Handlers) ownedAssignment(w http.ResponseWriter, r *http.Request) *models.Assignment {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return nil
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return nil
	}

	a, err := h.Repo.GetAssignmentByID(r.Context(), id)
	if err != nil {
		if common.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return nil
		}
		slog.Error("failed to get assignment", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}

	perms := auth.PermsForRoles(claims.Roles)
	if _, isAdmin := perms[auth.PermAdminAll]; !isAdmin {
		ownerID, err := uuid.Parse(claims.UserID)
		if err != nil || a.OwnerID != ownerID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return nil
		}
	}
	return a
}

func (h *Handlers) getAssignment(w http.ResponseWriter, r *http.Request) {
	a := h.ownedAssignment(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) updateAssignment(w http.ResponseWriter, r *http.Request) {
	a := h.ownedAssignment(w, r)
	if a == nil {
		return
	}

	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if errs := validation.ValidateStruct(req); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	a.Title = req.Title
	a.Subject = req.Subject
	a.Description = req.Description
	if err := h.Repo.UpdateAssignment(r.Context(), a); err != nil {
		slog.Error("failed to update assignment", "id", a.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) uploadAttachments(w http.ResponseWriter, r *http.Request) {
	a := h.ownedAssignment(w, r)
	if a == nil {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["files"]

	detected, errs := validation.ValidateAttachments(files)
	if len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	var attachments []models.Attachment
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			slog.Error("failed to open upload", "filename", fh.Filename, "error", err)
			continue
		}

		contentType := detected[fh.Filename]
		res, err := h.Storage.UploadFile(r.Context(), fh.Filename, f, contentType)
		f.Close()
		if err != nil {
			slog.Error("failed to store upload", "filename", fh.Filename, "error", err)
			continue
		}

		att := models.Attachment{
			ID:               uuid.New(),
			AssignmentID:     a.ID,
			OriginalFilename: fh.Filename,
			ContentType:      contentType,
			FileSize:         fh.Size,
			StorageKey:       res.Key,
			URL:              res.URL,
		}
		if err := h.Repo.CreateAttachment(r.Context(), &att); err != nil {
			slog.Error("failed to record attachment", "filename", fh.Filename, "error", err)
			continue
		}
		attachments = append(attachments, att)
	}

	if len(attachments) == 0 {
		http.Error(w, "no files successfully processed", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignment_id": a.ID,
		"attachments":   attachments,
	})
}

type generateRequest struct {
	Count        int    `json:"count" validate:"required,min=1,max=50"`
	QuestionType string `json:"question_type" validate:"omitempty,oneof=open_ended multiple_choice short_answer"`
	Points       int    `json:"points" validate:"omitempty,min=1,max=100"`
	Guidelines   string `json:"guidelines" validate:"max=4000"`
}

// publishAssignment kicks off an async job that regenerates the
// assignment's content and flips it to published. The response carries only
// the job id; progress is observed via the status endpoints.
func (h *Handlers) publishAssignment(w http.ResponseWriter, r *http.Request) {
	h.startGenerationJob(w, r, job.KindPublishAssignment, "Publish job submitted, follow the job stream for progress")
}

func (h *Handlers) generateQuestions(w http.ResponseWriter, r *http.Request) {
	h.startGenerationJob(w, r, job.KindGenerateQuestions, "Generation job submitted, follow the job stream for progress")
}

func (h *Handlers) startGenerationJob(w http.ResponseWriter, r *http.Request, kind job.Kind, message string) {
	a := h.ownedAssignment(w, r)
	if a == nil {
		return
	}

	req := generateRequest{Count: 5}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if errs := validation.ValidateStruct(req); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	claims, _ := auth.FromContext(r.Context())
	requesterID, _ := uuid.Parse(claims.UserID)

	if kind == job.KindPublishAssignment {
		if err := h.Repo.SetAssignmentStatus(r.Context(), a.ID, models.AssignmentPublishing); err != nil {
			slog.Error("failed to mark assignment publishing", "id", a.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	j := h.Runner.CreateJob(kind, a.ID, requesterID)
	h.Runner.Run(j, generator.Request{
		AssignmentID: a.ID,
		Title:        a.Title,
		Subject:      a.Subject,
		Description:  a.Description,
		Count:        req.Count,
		QuestionType: req.QuestionType,
		Points:       req.Points,
		Guidelines:   req.Guidelines,
	})

	slog.Info("generation job submitted",
		"job_id", j.ID,
		"kind", kind,
		"assignment_id", a.ID,
		"requester_id", requesterID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  j.ID.String(),
		"message": message,
	})
}

type jobStatusResponse struct {
	JobID      string          `json:"job_id"`
	Kind       job.Kind        `json:"kind"`
	Status     job.Status      `json:"status"`
	Progress   string          `json:"progress,omitempty"`
	Percentage int             `json:"percentage"`
	Questions  json.RawMessage `json:"questions,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	j, ok := h.Jobs.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	resp := jobStatusResponse{
		JobID:      j.ID.String(),
		Kind:       j.Kind,
		Status:     j.Status,
		Progress:   j.Progress,
		Percentage: j.Percentage,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.Status == job.StatusCompleted {
		resp.Questions = j.Result
	}
	writeJSON(w, http.StatusOK, resp)
}
