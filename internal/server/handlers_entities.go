package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"envault/internal/auth"
	"envault/internal/store"
	"envault/internal/vault"
)

type entityResp struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Version int64  `json:"version"`
}

type putEntityReq struct {
	ID              string `json:"id"`
	Payload         []byte `json:"payload"`
	ExpectedVersion int64  `json:"expected_version"`
}

type putEntityResp struct {
	Version int64 `json:"version"`
}

type listResp struct {
	IDs []string `json:"ids"`
}

type versionResp struct {
	Version int64 `json:"version"`
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetEntity(w, r)
	case http.MethodPut, http.MethodPost:
		s.handlePutEntity(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !isValidEntityID(id) {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}

	ent, err := s.entities.GetEntity(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Printf("get %s: %v", id, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, entityResp{ID: ent.ID, Payload: ent.Payload, Version: ent.Version})
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if !s.rlWriteKey.allow(claims.Sub) {
		tooMany(w, s.rlWriteKey.retryAfter())
		return
	}

	var req putEntityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !isValidEntityID(req.ID) {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}
	allowed, err := s.writeAllowed(r.Context(), claims.Sub, req.ID, req.Payload)
	if err != nil {
		s.logger.Printf("authorize put %s: %v", req.ID, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	version, err := s.entities.PutEntity(r.Context(), req.ID, req.Payload, req.ExpectedVersion)
	if errors.Is(err, store.ErrStaleWrite) {
		http.Error(w, "version conflict", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Printf("put %s: %v", req.ID, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}

	s.audit.Append(claims.Sub, "put", req.ID)
	writeJSON(w, putEntityResp{Version: version})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		http.Error(w, "scope required", http.StatusBadRequest)
		return
	}

	ids, err := s.entities.ListEntities(r.Context(), scope)
	if err != nil {
		s.logger.Printf("list %q: %v", scope, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, listResp{IDs: ids})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if !isValidEntityID(id) {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}

	version, err := s.entities.GetVersion(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Printf("version %s: %v", id, err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, versionResp{Version: version})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.audit.Verify(); err != nil {
		s.logger.Printf("audit: %v", err)
		http.Error(w, "audit chain broken", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.audit.Entries())
}

// writeAllowed checks the caller's authority over an entity against stored
// records: project records carry the owner set, grant records the per-key
// level. A user may always write their own user record; creating a project
// requires listing yourself as an owner; everything under a project requires
// ownership or a sufficient stored grant.
func (s *Server) writeAllowed(ctx context.Context, sub, id string, payload []byte) (bool, error) {
	kind, rest, _ := strings.Cut(id, "/")
	switch kind {
	case vault.KindUser:
		return rest == sub, nil

	case vault.KindProject:
		ent, err := s.entities.GetEntity(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ownerListed(payload, sub), nil
		}
		if err != nil {
			return false, err
		}
		return ownerListed(ent.Payload, sub), nil

	case vault.KindEnv:
		pid, _, _ := strings.Cut(rest, "/")
		return s.isProjectOwner(ctx, pid, sub)

	case vault.KindGrant:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, _, _ := strings.Cut(rest2, "/")
		return s.hasLevel(ctx, pid, eid, sub, vault.PermAdmin)

	case vault.KindSecret:
		pid, rest2, _ := strings.Cut(rest, "/")
		eid, _, _ := strings.Cut(rest2, "/")
		return s.hasLevel(ctx, pid, eid, sub, vault.PermWrite)
	}
	return false, nil
}

func ownerListed(payload []byte, sub string) bool {
	var doc struct {
		Owners []string `json:"owners"`
	}
	if json.Unmarshal(payload, &doc) != nil {
		return false
	}
	for _, id := range doc.Owners {
		if id == sub {
			return true
		}
	}
	return false
}

func (s *Server) isProjectOwner(ctx context.Context, pid, sub string) (bool, error) {
	ent, err := s.entities.GetEntity(ctx, vault.KindProject+"/"+pid)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ownerListed(ent.Payload, sub), nil
}

func (s *Server) hasLevel(ctx context.Context, pid, eid, sub string, need vault.Permission) (bool, error) {
	owner, err := s.isProjectOwner(ctx, pid, sub)
	if err != nil || owner {
		return owner, err
	}
	ent, err := s.entities.GetEntity(ctx, fmt.Sprintf("%s/%s/%s/%s", vault.KindGrant, pid, eid, sub))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var doc struct {
		Level vault.Permission `json:"level"`
	}
	if json.Unmarshal(ent.Payload, &doc) != nil {
		return false, nil
	}
	return doc.Level >= need, nil
}

func isValidEntityID(id string) bool {
	if id == "" || len(id) > 512 {
		return false
	}
	kind, _, ok := strings.Cut(id, "/")
	if !ok {
		return false
	}
	switch kind {
	case vault.KindUser, vault.KindProject, vault.KindEnv, vault.KindGrant, vault.KindSecret:
		return !strings.Contains(id, "..")
	default:
		return false
	}
}
