package beeps

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/golang/snappy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// readBody reads a request body up to the configured limit, transparently
// decoding snappy-compressed payloads.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.BodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if r.Header.Get("Content-Encoding") == "snappy" {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", ErrBadRequest, err)
		}
		return decoded, nil
	}
	return body, nil
}

func (s *Server) decodeJSON(r *http.Request, into any) error {
	body, err := s.readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.cfg.AllowRegistration {
		writeError(w, http.StatusConflict, ErrRegistrationDisabled.Error())
		return
	}

	var req RegisterRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), req.Email, hash)
	if errors.Is(err, ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, ErrEmailTaken.Error())
		return
	}
	if err != nil {
		slog.Error("create account", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.issueToken(w, r, acct)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := s.store.AccountByEmail(r.Context(), req.Email)
	if errors.Is(err, ErrAuth) || (err == nil && !checkPassword(acct.PasswordHash, req.Password)) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		slog.Error("look up account", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.issueToken(w, r, acct)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, acct Account) {
	token, jti, err := signToken(s.secret, acct.ID, acct.DocumentID)
	if err != nil {
		slog.Error("sign token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := s.store.RecordSession(r.Context(), jti, acct.ID); err != nil {
		slog.Error("record session", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, TokenResponse{Token: token})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}
	accountID, err := claims.AccountID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}

	acct, err := s.store.AccountByID(r.Context(), accountID)
	if errors.Is(err, ErrAuth) {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}
	if err != nil {
		slog.Error("look up account", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, WhoamiResponse{AccountID: acct.ID, Email: acct.Email})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}

	var ops []TimestampedOp
	if err := s.decodeJSON(r, &ops); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := s.store.InsertOps(r.Context(), claims.DocumentID, ops)
	if errors.Is(err, ErrBadRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("insert ops", "err", err, "document", claims.DocumentID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Debug("push", "document", claims.DocumentID, "ops", len(ops), "new", inserted)
	if inserted > 0 {
		s.hub.notify(claims.DocumentID, inserted)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}

	var req PullRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ops, err := s.store.OpsSince(r.Context(), claims.DocumentID, req.Since)
	if err != nil {
		slog.Error("pull ops", "err", err, "document", claims.DocumentID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ops == nil {
		ops = []TimestampedOp{}
	}

	slog.Debug("pull", "document", claims.DocumentID, "ops", len(ops))

	body, err := json.Marshal(ops)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Accept-Encoding") == "snappy" {
		w.Header().Set("Content-Encoding", "snappy")
		body = snappy.Encode(nil, body)
	}
	w.Write(body)
}
