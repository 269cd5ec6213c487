// Package rest exposes the account, file and stats endpoints next to the
// websocket upgrade.
package rest

import (
	"chat-broker/domain"
	"chat-broker/domain/mimetypes"
	"chat-broker/errors"
	"chat-broker/observability"
	"chat-broker/services"
	"chat-broker/storage"
	"context"
	"encoding/json"
	goerrors "errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
)

// Presence is answered by the broker loop.
type Presence interface {
	Online(ctx context.Context) (map[domain.UserID]struct{}, error)
	Presence(ctx context.Context) (observability.Presence, error)
}

type Authenticator interface {
	Authenticate(token string) (domain.Identity, error)
}

type Server struct {
	log         *slog.Logger
	accounts    services.IAuthService
	gate        Authenticator
	presence    Presence
	blobs       storage.IBlobStore
	monitoring  *observability.MonitoringManager
	ws          http.Handler
	maxFileSize int64
}

func NewServer(
	log *slog.Logger,
	accounts services.IAuthService,
	gate Authenticator,
	presence Presence,
	blobs storage.IBlobStore,
	monitoring *observability.MonitoringManager,
	ws http.Handler,
	maxFileSize int64,
) *Server {
	return &Server{
		log:         log,
		accounts:    accounts,
		gate:        gate,
		presence:    presence,
		blobs:       blobs,
		monitoring:  monitoring,
		ws:          ws,
		maxFileSize: maxFileSize,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /users", s.requireAuth(s.handleUsers))
	mux.HandleFunc("POST /files", s.requireAuth(s.handleUpload))
	mux.HandleFunc("GET /files/{ref}", s.requireAuth(s.handleDownload))
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}
	return mux
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountResponse struct {
	OK    bool            `json:"ok"`
	Token string          `json:"token"`
	User  domain.Identity `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	token, identity, err := s.accounts.Register(req.Username, req.Password)
	switch {
	case goerrors.Is(err, errors.ErrUserAlreadyExists):
		respondError(w, "username already taken", http.StatusConflict)
		return
	case goerrors.Is(err, errors.ErrInvalidPassword):
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("Registration failed", "error", err)
		respondError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("User registered", "user_id", identity.UserID)
	respondJSON(w, http.StatusCreated, accountResponse{OK: true, Token: token.String(), User: identity})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	token, identity, err := s.accounts.Login(req.Username, req.Password)
	switch {
	case goerrors.Is(err, errors.ErrInvalidCredentials):
		respondError(w, "invalid username or password", http.StatusUnauthorized)
		return
	case err != nil:
		s.log.Error("Login failed", "error", err)
		respondError(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, accountResponse{OK: true, Token: token.String(), User: identity})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	online, err := s.presence.Online(r.Context())
	if err != nil {
		respondError(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	entries, err := s.accounts.Directory(func(user domain.UserID) bool {
		_, ok := online[user]
		return ok
	})
	if err != nil {
		s.log.Error("Directory failed", "error", err)
		respondError(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Multipart framing on top of the payload itself
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize+1<<20)
	reader, err := r.MultipartReader()
	if err != nil {
		respondError(w, "multipart body expected", http.StatusBadRequest)
		return
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			respondError(w, `missing "file" field`, http.StatusBadRequest)
			return
		}
		if err != nil {
			respondError(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		blob, err := s.blobs.Put(part.FileName(), part)
		_ = part.Close()
		var tooBig *http.MaxBytesError
		switch {
		case goerrors.Is(err, errors.ErrBlobTooLarge), goerrors.As(err, &tooBig):
			respondError(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			s.log.Error("Upload failed", "error", err)
			respondError(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.monitoring.FilesStored.Add(1)
		s.log.Info("File stored", "ref", blob.Ref, "user_id", uploader(r).UserID, "size", blob.Size)
		respondJSON(w, http.StatusCreated, blob)
		return
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	blob, content, err := s.blobs.Open(r.PathValue("ref"))
	if goerrors.Is(err, errors.ErrBlobNotFound) {
		respondError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("Download failed", "error", err)
		respondError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", blob.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	disposition := "attachment"
	if mimetypes.Inline(blob.MimeType) {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": blob.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		s.log.Debug("Download interrupted", "ref", blob.Ref, "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	presence, err := s.presence.Presence(r.Context())
	if err != nil {
		respondError(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, s.monitoring.Refresh(presence))
}

type identityKey struct{}

// requireAuth accepts the same bearer token as the websocket authenticate command.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func uploader(r *http.Request) domain.Identity {
	identity, _ := r.Context().Value(identityKey{}).(domain.Identity)
	return identity
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, map[string]string{"error": message})
}
