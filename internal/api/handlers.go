package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lvbu1984/chunkd/internal/upload"
)

const maxJSONBody = 1 << 20

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// flexInt accepts 3 as well as "3", since browser clients often send form
// values as strings.
type flexInt struct {
	Value int
	Set   bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", b)
	}
	f.Value, f.Set = n, true
	return nil
}

type fileRequest struct {
	FileName    string  `json:"fileName"`
	TotalChunks flexInt `json:"totalChunks"`
}

func (s *Server) decodeFileRequest(w http.ResponseWriter, r *http.Request) (*fileRequest, bool) {
	var req fileRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return nil, false
	}
	if req.FileName == "" {
		writeError(w, http.StatusBadRequest, "missing fileName", nil)
		return nil, false
	}
	return &req, true
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
		writeError(w, http.StatusBadRequest, "invalid Content-Type, expected multipart/form-data", nil)
		return
	}
	if s.opts.MaxChunkSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxChunkSize+formMemory)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body: "+err.Error(), nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileName := r.FormValue("fileName")
	indexStr := r.FormValue("chunkIndex")
	totalStr := r.FormValue("totalChunks")
	if fileName == "" || indexStr == "" || totalStr == "" {
		writeError(w, http.StatusBadRequest, "missing chunkIndex, totalChunks or fileName", nil)
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(indexStr))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunkIndex must be an integer", nil)
		return
	}
	total, err := strconv.Atoi(strings.TrimSpace(totalStr))
	if err != nil {
		writeError(w, http.StatusBadRequest, "totalChunks must be an integer", nil)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part", nil)
		return
	}
	defer file.Close()

	session, err := s.coord.IngestChunk(r.Context(), upload.Chunk{
		UploadID: fileName,
		Index:    index,
		Total:    total,
		Body:     file,
	})
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response{
		Code:    0,
		Message: fmt.Sprintf("chunk %d uploaded", index),
		Data:    session.Received,
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}
	if !req.TotalChunks.Set {
		writeError(w, http.StatusBadRequest, "missing totalChunks", nil)
		return
	}

	result, err := s.coord.Merge(r.Context(), req.FileName, req.TotalChunks.Value)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response{Code: 0, Message: "merge complete", Data: result})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}

	session, found, err := s.coord.Progress(r.Context(), req.FileName)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, response{Code: -1, Message: "no upload record for " + req.FileName})
		return
	}

	writeJSON(w, http.StatusOK, response{Code: 0, Message: "progress", Data: session.Received})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFileRequest(w, r)
	if !ok {
		return
	}

	existed, err := s.coord.Abandon(r.Context(), req.FileName)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	if !existed {
		writeJSON(w, http.StatusOK, response{Code: -1, Message: "no upload record for " + req.FileName})
		return
	}
	writeJSON(w, http.StatusOK, response{Code: 0, Message: "upload abandoned"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.stats.Ping(r.Context()); err != nil {
		s.logger.Error("ledger ping failed", "request_id", requestID(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetDashboardStats(r.Context(), time.Now().Add(-s.opts.StaleAfter))
	if err != nil {
		s.logger.Error("failed to get dashboard stats", "request_id", requestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats", nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var incomplete *upload.IncompleteUploadError
	var missing *upload.MissingChunkError

	switch {
	case errors.As(err, &incomplete):
		writeError(w, http.StatusBadRequest, incomplete.Error(), incomplete.Missing)
	case errors.Is(err, upload.ErrInvalidRequest), errors.Is(err, upload.ErrIncompleteUpload):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, upload.ErrNothingToMerge):
		writeError(w, http.StatusNotFound, "nothing to merge", nil)
	case errors.As(err, &missing):
		s.logger.Error("chunk unreadable during merge",
			"request_id", requestID(r.Context()),
			"upload_id", missing.UploadID,
			"chunk_index", missing.Index,
			"error", missing.Err,
		)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("chunk %d could not be read, upload it again", missing.Index), []int{missing.Index})
	default:
		s.logger.Error("upload operation failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "server error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, response{Code: 1, Message: message, Data: data})
}
