package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"netmigrate/models"
)

const rawSubmissionName = "wicked.xml"

type Submitter interface {
	Submit(ctx context.Context, files []models.InputFile) (string, error)
}

type Retriever interface {
	RetrieveArchive(ctx context.Context, id string) ([]byte, error)
	RetrieveRecords(ctx context.Context, id string) (models.RecordsResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// App holds the collaborators HTTP handlers need.
type App struct {
	Submitter      Submitter
	Retriever      Retriever
	Health         Pinger
	MaxUploadBytes int64
	Logger         zerolog.Logger

	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the peer
	// address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// SubmitRaw treats the whole body as one wicked XML export.
func (a *App) SubmitRaw(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxUploadBytes))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: read body: %w", models.ErrMalformedUpload, err))
		return
	}

	id, err := a.Submitter.Submit(r.Context(), []models.InputFile{{
		Name:        rawSubmissionName,
		ContentType: "application/xml",
		Content:     body,
	}})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, "/tar/"+id, http.StatusSeeOther)
}

// SubmitMultipart accepts one or more files and redirects to the archive.
func (a *App) SubmitMultipart(w http.ResponseWriter, r *http.Request) {
	a.submitMultipart(w, r, "/tar/")
}

// SubmitMultipartJSON accepts one or more files and redirects to the JSON result.
func (a *App) SubmitMultipartJSON(w http.ResponseWriter, r *http.Request) {
	a.submitMultipart(w, r, "/json/")
}

func (a *App) submitMultipart(w http.ResponseWriter, r *http.Request, target string) {
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxUploadBytes)
	files, err := readMultipartFiles(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	id, err := a.Submitter.Submit(r.Context(), files)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target+id, http.StatusSeeOther)
}

func readMultipartFiles(r *http.Request) ([]models.InputFile, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMissingField, err)
	}

	var files []models.InputFile
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrMalformedUpload, err)
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			part.Close()
			return nil, fmt.Errorf("%w: type missing in multipart/form data", models.ErrMissingField)
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			return nil, fmt.Errorf("%w: file name missing in multipart/form data", models.ErrMissingField)
		}

		content, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read part %s: %w", models.ErrMalformedUpload, name, err)
		}
		files = append(files, models.InputFile{Name: name, ContentType: contentType, Content: content})
	}
	return files, nil
}

// Archive streams the job's output as a tar file and consumes the job.
func (a *App) Archive(w http.ResponseWriter, r *http.Request) {
	data, err := a.Retriever.RetrieveArchive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", `attachment; filename="nm-migrated.tar"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Records returns the job's log and files as JSON and consumes the job.
func (a *App) Records(w http.ResponseWriter, r *http.Request) {
	res, err := a.Retriever.RetrieveRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if res.Files == nil {
		res.Files = []models.FileRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.Health.Ping(r.Context()); err != nil {
		a.Logger.Error().Err(err).Msg("Health check failed")
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		migErr   *models.MigrationError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &migErr):
		writeText(w, http.StatusUnprocessableEntity, migErr.Log)
	case errors.As(err, &tooLarge):
		writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
	case models.IsValidation(err):
		a.Logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected submission")
		writeText(w, http.StatusBadRequest, fmt.Sprintf("An error occurred: %v", err))
	case errors.Is(err, models.ErrNotFound):
		writeText(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.Canceled):
		a.Logger.Debug().Str("path", r.URL.Path).Msg("Client went away")
	default:
		a.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		writeText(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
