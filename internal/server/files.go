package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/klauspost/compress/gzip"
)

// upload accepts either multipart/form-data with a "file" part, or a raw
// body named by the X-Filename header (or ?filename=) typed by Content-Type.
func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		rec *models.FileRecord
		err error
	)
	if mediaType == "multipart/form-data" {
		rec, err = h.uploadMultipart(r)
	} else {
		rec, err = h.uploadRaw(r)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.cfg.Webhooks.NotifyIngested(rec)
	w.Header().Set("Location", "/api/v1/files/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec.View())
}

func (h *handlers) uploadRaw(r *http.Request) (*models.FileRecord, error) {
	name := r.Header.Get("X-Filename")
	if name == "" {
		name = r.URL.Query().Get("filename")
	}

	body := io.Reader(r.Body)
	// Handle gzip'd body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, &vault.ValidationError{Field: "file", Reason: "invalid gzip body"}
		}
		defer gz.Close()
		body = gz
	}
	return h.svc.Ingest(r.Context(), name, r.Header.Get("Content-Type"), body)
}

func (h *handlers) uploadMultipart(r *http.Request) (*models.FileRecord, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, &vault.ValidationError{Field: "file", Reason: err.Error()}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &vault.ValidationError{Field: "file", Reason: `missing "file" form field`}
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, &vault.ValidationError{Field: "file", Reason: err.Error()}
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		return h.svc.Ingest(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part)
	}
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	f, err := query.FromValues(r.URL.Query())
	if err != nil {
		var fe *query.FilterError
		if errors.As(err, &fe) {
			h.writeError(w, r, &vault.ValidationError{Field: fe.Field, Reason: fe.Reason})
			return
		}
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Search(r.Context(), h.cfg.Limits.Apply(f))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("X-Query-Time-Ms", strconv.FormatFloat(res.Metrics.QueryTimeMs(), 'f', 3, 64))
	w.Header().Set("X-Serialize-Time-Ms", strconv.FormatFloat(res.Metrics.SerializeTimeMs(), 'f', 3, 64))
	w.Header().Set("X-Total-Count", strconv.FormatInt(res.Total, 10))
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getFile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (h *handlers) content(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer dl.Body.Close()

	etag := `"` + dl.Record.Fingerprint.String() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", dl.Record.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": dl.Record.OriginalFilename,
	}))
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Fingerprint", dl.Record.Fingerprint.String())
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		h.logger.Error("content stream failed",
			"file_id", dl.Record.ID,
			"fingerprint", dl.Record.Fingerprint.String(),
			"error", err,
			"request_id", RequestID(r.Context()),
		)
		// Headers are gone; dropping the connection is the only way to
		// tell the client the body is bad.
		panic(http.ErrAbortHandler)
	}
}

func (h *handlers) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cfg.Webhooks.NotifyDeleted(id)
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	*catalog.Stats
	SavedBytes int64 `json:"saved_bytes"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stat(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, SavedBytes: st.SavedBytes()})
}
