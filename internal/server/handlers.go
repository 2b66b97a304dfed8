package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/codebuddy/internal/auth"
	"github.com/michaelbrown/codebuddy/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type languagesResponse struct {
	Executor  string   `json:"executor"`
	Languages []string `json:"languages"`
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	resp := languagesResponse{Executor: s.engine.Executor().Name(), Languages: []string{}}
	for _, l := range s.engine.Languages() {
		resp.Languages = append(resp.Languages, string(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Run history ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.RunListOptions{
		Status:   q.Get("status"),
		Language: q.Get("language"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Saved programs ---

type createProgramRequest struct {
	ProgramName string `json:"programName"`
	Code        string `json:"code"`
	Language    string `json:"language"`
}

type createProgramResponse struct {
	Success       bool              `json:"success"`
	ProgramID     string            `json:"programId"`
	SavedPrograms []storage.Program `json:"savedPrograms"`
}

func (s *Server) handleCreateProgram(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.Owner(r.Context())

	var req createProgramRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p := &storage.Program{
		ID:       uuid.New().String(),
		Owner:    owner,
		Name:     req.ProgramName,
		Language: req.Language,
		Code:     req.Code,
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateProgram(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	programs, err := s.store.ListPrograms(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createProgramResponse{
		Success:       true,
		ProgramID:     p.ID,
		SavedPrograms: programs,
	})
}

func (s *Server) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.Owner(r.Context())
	programs, err := s.store.ListPrograms(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if programs == nil {
		programs = []storage.Program{}
	}
	writeJSON(w, http.StatusOK, programs)
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.Owner(r.Context())
	p, err := s.store.GetProgram(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "program not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	// other owners' programs do not exist for this caller
	if p.Owner != owner {
		writeError(w, http.StatusNotFound, "program not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
