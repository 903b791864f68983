// Package httpapi implements the core-relevant subset of §6's HTTP
// surface: health, the public challenge-sign-verify endpoints, and the
// two internal-secret-gated endpoints the bot backend calls. The admin
// OAuth/mutation surface and the HTML signing page are explicitly out of
// scope per spec.md §1 and are not built here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/verify"
)

// verifyService is the subset of internal/verify.Service this surface depends on.
type verifyService interface {
	CreateSession(serverID, memberID string) (verify.SessionToken, error)
	GetChallenge(token string) (verify.Challenge, error)
	Submit(token, walletPubkeyB58, signatureB58 string) (verify.SubmitResult, error)
}

// rechecker is satisfied by internal/worker.Worker.
type rechecker interface {
	EnqueueRecheck(serverID string, memberID *string)
}

// Server wires the chi router the same way the teacher wires handlers
// off a single struct holding its collaborators.
type Server struct {
	router        chi.Router
	verifyService verifyService
	recheck       rechecker
	internalSecret string
	log           zerolog.Logger
}

// Config carries the CORS allow-list and the shared internal secret
// (§6 "internal API secret, >=16 chars").
type Config struct {
	AllowedOrigins []string
	InternalSecret string
}

func NewServer(verifyService verifyService, recheck rechecker, cfg Config, log zerolog.Logger) *Server {
	s := &Server{verifyService: verifyService, recheck: recheck, internalSecret: cfg.InternalSecret, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "x-internal-secret"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/verify/challenge", s.handleGetChallenge)
	r.Post("/verify/submit", s.handleSubmit)

	r.Group(func(r chi.Router) {
		r.Use(s.requireInternalSecret)
		r.Post("/verify/session", s.handleCreateSession)
		r.Post("/internal/recheck", s.handleRecheck)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) requireInternalSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-internal-secret") != s.internalSecret || s.internalSecret == "" {
			writeError(w, apierr.Unauthorized("missing or invalid internal secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, apierr.Validation("missing token query parameter"))
		return
	}

	challenge, err := s.verifyService.GetChallenge(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_message": challenge.Message,
		"expires_at":        challenge.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type submitRequest struct {
	Token           string `json:"token"`
	WalletPubkey    string `json:"wallet_pubkey"`
	SignatureBase58 string `json:"signature_base58"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}

	result, err := s.verifyService.Submit(req.Token, req.WalletPubkey, req.SignatureBase58)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"server_id": result.ServerID,
		"member_id": result.MemberID,
		"replaced":  result.Replaced,
	})
}

type createSessionRequest struct {
	GuildID       string `json:"guild_id"`
	DiscordUserID string `json:"discord_user_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if req.GuildID == "" || req.DiscordUserID == "" {
		writeError(w, apierr.Validation("guild_id and discord_user_id are required"))
		return
	}

	session, err := s.verifyService.CreateSession(req.GuildID, req.DiscordUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    session.Token,
		"sign_url": session.SignURL,
	})
}

type recheckRequest struct {
	GuildID       string  `json:"guild_id"`
	DiscordUserID *string `json:"discord_user_id"`
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if req.GuildID == "" {
		writeError(w, apierr.Validation("guild_id is required"))
		return
	}

	s.recheck.EnqueueRecheck(req.GuildID, req.DiscordUserID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeInternal
	if apiErr, ok := err.(*apierr.Error); ok {
		code = apiErr.Code
	}
	writeJSON(w, code.HTTPStatus(), map[string]string{"code": string(code), "message": err.Error()})
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
