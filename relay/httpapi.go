package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/relay/relaydb"
)

// registerSessionReq seeds a session into the registry and the metadata
// store. Callers register after creating the escrow account on the ledger,
// before either participant subscribes.
type registerSessionReq struct {
	SessionID string `json:"session_id"`
	PlayerA   string `json:"player_a"`
	PlayerB   string `json:"player_b"`
}

type sessionResp struct {
	Session *relaydb.SessionRecord `json:"session"`
	Actions []relaydb.ActionRecord `json:"actions"`
}

func (s *Server) apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /sessions", s.handleRegisterSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/actions", s.handleAppendAction)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}

	var key, pa, pb gammon.ID
	if err := key.FromString(req.SessionID); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := pa.FromString(req.PlayerA); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := pb.FromString(req.PlayerB); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if pa == pb {
		writeErr(w, http.StatusBadRequest, "participants must differ")
		return
	}

	rec := &relaydb.SessionRecord{
		SessionID: req.SessionID,
		PlayerA:   req.PlayerA,
		PlayerB:   req.PlayerB,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.RegisterSession(r.Context(), rec); err != nil {
		if errors.Is(err, relaydb.ErrDuplicateSession) {
			writeErr(w, http.StatusConflict, "session already registered")
			return
		}
		s.log.Errorf("register session %s: %v", req.SessionID, err)
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}

	// Seed the routing registry. Turn ownership starts with the creator
	// and is corrected by the first turn-announce.
	s.registry.Register(&gammon.Session{
		Key:          key,
		PlayerA:      pa,
		PlayerB:      pb,
		Status:       gammon.StatusAwaitingCounterparty,
		TurnOwner:    pa,
		LastActivity: rec.CreatedAt,
	})
	s.log.Infof("registered session %s (%s vs %s)", req.SessionID, req.PlayerA, req.PlayerB)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.db.FetchSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, relaydb.ErrSessionNotFound) {
			writeErr(w, http.StatusNotFound, "unknown session")
			return
		}
		s.log.Errorf("fetch session %s: %v", id, err)
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	acts, err := s.db.FetchActions(r.Context(), id)
	if err != nil {
		s.log.Errorf("fetch actions %s: %v", id, err)
		writeErr(w, http.StatusInternalServerError, "store failure")
		return
	}
	writeJSON(w, http.StatusOK, &sessionResp{Session: rec, Actions: acts})
}

func (s *Server) handleAppendAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rec relaydb.ActionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if err := s.db.AppendAction(r.Context(), id, &rec); err != nil {
		switch {
		case errors.Is(err, relaydb.ErrSessionNotFound):
			writeErr(w, http.StatusNotFound, "unknown session")
		case errors.Is(err, relaydb.ErrDuplicateAction):
			writeErr(w, http.StatusConflict, "action sequence already recorded")
		default:
			s.log.Errorf("append action %s/%d: %v", id, rec.ActionSeq, err)
			writeErr(w, http.StatusInternalServerError, "store failure")
		}
		return
	}
	writeJSON(w, http.StatusCreated, &rec)
}
