package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/narrolabs/narro-core/internal/convert"
	"github.com/narrolabs/narro-core/internal/jobstore"
	"github.com/narrolabs/narro-core/internal/pdftext"
)

// multipartMemory bounds the in-memory portion of a parsed upload; larger
// bodies spill to temp files.
const multipartMemory = 8 << 20

// multipartOverhead leaves room for boundaries and the language field when
// capping the request body around the file size limit.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	Success    bool   `json:"success"`
	Filename   string `json:"filename"`
	TextLength int    `json:"text_length"`
	Message    string `json:"message"`
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusBadRequest, s.sizeLimitMessage())
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	if strings.TrimSpace(header.Filename) == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "Only PDF files are allowed")
		return
	}
	if header.Size > s.cfg.Server.MaxUploadBytes {
		writeError(w, http.StatusBadRequest, s.sizeLimitMessage())
		return
	}

	jobID := uuid.NewString()
	storedName := jobID + "_" + sanitizeFilename(header.Filename)

	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		s.logger.Error("failed to create upload directory", slogError(err))
		writeError(w, http.StatusInternalServerError, conversionErrorMessage(err))
		return
	}
	uploadPath := filepath.Join(s.cfg.Server.UploadDir, storedName)
	if err := saveUpload(uploadPath, file); err != nil {
		s.logger.Error("failed to stage upload", slogError(err))
		writeError(w, http.StatusInternalServerError, conversionErrorMessage(err))
		return
	}
	// The staged PDF never outlives the request.
	defer os.Remove(uploadPath)

	if _, err := s.extractor.Validate(uploadPath); err != nil {
		if errors.Is(err, pdftext.ErrNoPages) {
			writeError(w, http.StatusBadRequest, "Invalid PDF file - no pages found")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid PDF file format")
		return
	}

	text, err := s.extractor.Text(uploadPath)
	if err != nil {
		s.logger.Error("text extraction failed",
			slog.String("job_id", jobID), slogError(err))
		writeError(w, http.StatusInternalServerError, conversionErrorMessage(err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "The PDF contains no readable text. Please ensure your PDF has text content, not just images.")
		return
	}
	text, truncated := pdftext.Truncate(text, s.cfg.Server.MaxTextLength)
	textLength := utf8.RuneCountInString(text)
	if truncated {
		s.logger.Info("extracted text truncated",
			slog.String("job_id", jobID), slog.Int("text_length", textLength))
	}

	lang := strings.TrimSpace(r.FormValue("language"))
	if !s.languageSupported(lang) {
		lang = s.cfg.Converter.DefaultLanguage
	}

	if err := os.MkdirAll(s.cfg.Server.OutputDir, 0o755); err != nil {
		s.logger.Error("failed to create output directory", slogError(err))
		writeError(w, http.StatusInternalServerError, conversionErrorMessage(err))
		return
	}
	artifactName := strings.TrimSuffix(storedName, filepath.Ext(storedName)) + ".mp3"
	outputPath := filepath.Join(s.cfg.Server.OutputDir, artifactName)

	s.publishAccepted(jobID, header.Filename, lang, textLength)
	s.logger.Info("conversion accepted",
		slog.String("job_id", jobID),
		slog.String("source", header.Filename),
		slog.String("language", lang),
		slog.Int("text_length", textLength))

	err = s.supervisor.Convert(r.Context(), convert.Request{
		JobID:      jobID,
		Text:       text,
		Language:   lang,
		OutputPath: outputPath,
	})
	if err != nil {
		s.publishFailed(jobID, err)
		_ = os.Remove(outputPath)
		_ = os.Remove(outputPath + ".partial")
		var timeoutErr *convert.TimeoutError
		if errors.As(err, &timeoutErr) {
			writeError(w, http.StatusGatewayTimeout, timeoutErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, conversionErrorMessage(err))
		return
	}

	s.publishCompleted(jobID, artifactName, textLength)
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:    true,
		Filename:   artifactName,
		TextLength: textLength,
		Message:    "Conversion completed successfully",
	})
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	path := filepath.Join(s.cfg.Server.OutputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "online",
		"service": "PDF to MP3 Converter",
	})
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	jobs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []jobstore.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("failed to load job", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) languageSupported(lang string) bool {
	for _, supported := range s.cfg.Converter.Languages {
		if lang == supported {
			return true
		}
	}
	return false
}

func (s *Service) sizeLimitMessage() string {
	return fmt.Sprintf("File size must be less than %dMB", s.cfg.Server.MaxUploadBytes/(1024*1024))
}

func conversionErrorMessage(err error) string {
	return "An error occurred during conversion: " + err.Error()
}

func saveUpload(dest string, src io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sanitizeFilename strips path components and maps anything outside
// [A-Za-z0-9._-] to an underscore, so stored names stay shell and URL safe.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "document.pdf"
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
