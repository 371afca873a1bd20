package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/backend"
)

var resumeExtensions = map[string]bool{".pdf": true, ".doc": true, ".docx": true}

// multipartOverhead covers form fields and part headers on top of the file.
const multipartOverhead = 1 << 20

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", "")
		return
	}

	maxUpload := s.config.Backend.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Resume file too large", "FILE_TOO_LARGE", "")
			return
		}
		s.proxyError(w, r, &backend.Error{Code: backend.CodeInvalidRequest, Message: "expected multipart form data", Err: err})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := backend.CompareRequest{
		JobURL:  strings.TrimSpace(r.FormValue("job_url")),
		JobText: strings.TrimSpace(r.FormValue("job_text")),
		UID:     strings.TrimSpace(r.FormValue("uid")),
	}
	if req.JobURL == "" && req.JobText == "" {
		s.proxyError(w, r, &backend.Error{Code: backend.CodeInvalidRequest, Message: "Please provide a job URL or job description."})
		return
	}
	if req.JobURL != "" {
		u, err := url.Parse(req.JobURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			s.proxyError(w, r, &backend.Error{Code: backend.CodeInvalidRequest, Message: "Job URL must be an absolute http(s) URL."})
			return
		}
	}

	file, hdr, err := r.FormFile("resume")
	if err != nil {
		s.proxyError(w, r, &backend.Error{Code: backend.CodeInvalidRequest, Message: "Please upload a resume file.", Err: err})
		return
	}
	defer file.Close()

	if !resumeExtensions[strings.ToLower(filepath.Ext(hdr.Filename))] {
		s.proxyError(w, r, &backend.Error{Code: backend.CodeUnsupportedFile, Message: "Resume must be a PDF, DOC or DOCX file."})
		return
	}
	if hdr.Size > maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "Resume file too large", "FILE_TOO_LARGE", "")
		return
	}
	req.ResumeName = filepath.Base(hdr.Filename)
	req.Resume = file

	out, err := s.backend.Compare(r.Context(), req)
	if err != nil {
		s.proxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, http.MethodGet, s.backend.UserStatus)
}

func (s *Server) handleUseTrial(w http.ResponseWriter, r *http.Request) {
	s.userCall(w, r, http.MethodPost, s.backend.UseTrial)
}

func (s *Server) userCall(w http.ResponseWriter, r *http.Request, method string, call func(ctx context.Context, uid string) (json.RawMessage, error)) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", "")
		return
	}
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "UID is required", backend.CodeInvalidRequest, "")
		return
	}
	data, err := call(r.Context(), uid)
	if err != nil {
		s.proxyError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"path":       r.URL.Path,
	})
	be, ok := backend.AsError(err)
	if !ok {
		entry.Error("comparison request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL", "")
		return
	}
	status := be.HTTPStatus()
	if status >= http.StatusInternalServerError {
		entry.WithField("code", be.Code).Warn("comparison backend failed")
	} else {
		entry.WithField("code", be.Code).Debug("comparison request rejected")
	}
	details := ""
	if be.Err != nil {
		details = be.Err.Error()
	}
	writeError(w, status, be.Message, be.Code, details)
}
