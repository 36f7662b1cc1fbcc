package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/strataworks/strata/internal/snapshot"
	"github.com/strataworks/strata/internal/terrain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func recordJSON(r terrain.Record) map[string]any {
	return map[string]any{
		"key":          r.Key,
		"x":            r.X,
		"y":            r.Y,
		"elevation":    r.Elevation,
		"access_count": r.AccessCount,
		"fossilized":   r.Fossilized,
	}
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec := s.eng.PlaceOrTouch(key)
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Delta float64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.eng.Reinforce(key, req.Delta)
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"valence": s.eng.Valence(key),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Emotion float64 `json:"emotion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	rec := s.eng.Deposit(key, req.Emotion)
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *Server) handleValence(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"valence": s.eng.Valence(key),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	desc, err := s.eng.Context(key)
	if errors.Is(err, terrain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown concept")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":     key,
		"context": desc,
	})
}

func (s *Server) handleHypervector(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.eng.AttachEmbedding(key, req.Embedding); err != nil {
		if errors.Is(err, terrain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown concept")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	k := queryInt(r, "k", 5)

	matches, err := s.eng.SimilarTo(key, k)
	if errors.Is(err, terrain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// handleNearest answers both forms: ?key=…&k=… and ?x=…&y=…&k=….
func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	k := queryInt(r, "k", 5)

	if key := r.URL.Query().Get("key"); key != "" {
		neighbors, err := s.eng.NearestToKey(key, k)
		if errors.Is(err, terrain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown concept")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"neighbors": neighbors})
		return
	}

	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
	if errX != nil || errY != nil {
		writeError(w, http.StatusBadRequest, "need key or numeric x and y")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"neighbors": s.eng.Nearest(x, y, k),
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject    string   `json:"subject"`
		Attractor  string   `json:"attractor"`
		Similarity *float64 `json:"similarity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Subject == "" || req.Attractor == "" {
		writeError(w, http.StatusBadRequest, "subject and attractor required")
		return
	}

	// Similarity may be supplied by the caller or derived from stored
	// hypervectors.
	sim := 0.0
	if req.Similarity != nil {
		sim = *req.Similarity
	} else {
		derived, err := s.eng.Similarity(req.Subject, req.Attractor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "similarity omitted and not derivable: "+err.Error())
			return
		}
		sim = derived
	}

	moved := s.eng.Drift(req.Subject, req.Attractor, sim)
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    req.Subject,
		"attractor":  req.Attractor,
		"similarity": sim,
		"moved":      moved,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := s.eng.SnapshotNow()
	if errors.Is(err, snapshot.ErrThrottled) {
		writeError(w, http.StatusTooManyRequests, "snapshot throttled")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"snapshot_id": id})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var err error
	if req.Path == "" {
		err = s.eng.Restore()
	} else {
		err = s.eng.RestoreFrom(req.Path)
	}
	if errors.Is(err, snapshot.ErrCorruptSnapshot) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleFossil(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	entry, err := s.eng.Fossil(key)
	if errors.Is(err, terrain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key was never consolidated")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_key": entry.MemberKey,
		"fossil_key": entry.FossilKey,
		"x":          entry.X,
		"y":          entry.Y,
		"merged_at":  entry.MergedAt,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
