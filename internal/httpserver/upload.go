package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"slotwall/internal/slots"
	"slotwall/internal/upload"
)

// multipartSlack covers boundaries and part headers around the file.
const multipartSlack = 1 << 20

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version uint64 `json:"version,omitempty"`
}

// handleUpload replaces one slot from the multipart field "file".
// POST /upload?slot=N
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("slot")
	slot, ok := parseSlot(raw, s.store)
	if !ok {
		s.uploadFailed(w, fmt.Errorf("%w: %q", slots.ErrInvalidSlot, raw))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.pipe.MaxBytes()+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, uploadResponse{Message: "Expected a multipart/form-data body."})
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeJSONStatus(w, http.StatusBadRequest, uploadResponse{Message: "No file uploaded."})
			return
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				s.uploadFailed(w, upload.ErrPayloadTooLarge)
				return
			}
			writeJSONStatus(w, http.StatusBadRequest, uploadResponse{Message: "Malformed multipart body."})
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		version, err := s.pipe.ReplaceSlot(r.Context(), slot, part, part.FileName(), part.Header.Get("Content-Type"))
		part.Close()
		if err != nil {
			s.uploadFailed(w, err)
			return
		}
		writeJSON(w, uploadResponse{
			Success: true,
			Message: fmt.Sprintf("Slot %d updated successfully.", slot),
			Version: version,
		})
		return
	}
}

func (s *Server) uploadFailed(w http.ResponseWriter, err error) {
	status, msg := s.uploadStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("upload", "error", err)
	}
	writeJSONStatus(w, status, uploadResponse{Message: msg})
}

func (s *Server) uploadStatus(err error) (int, string) {
	switch {
	case errors.Is(err, slots.ErrInvalidSlot):
		return http.StatusBadRequest, fmt.Sprintf("Invalid or missing slot parameter (1-%d).", s.store.Count())
	case errors.Is(err, upload.ErrUnsupportedMediaType):
		return http.StatusBadRequest, "File upload only supports the following filetypes - jpeg, jpg, png, webp."
	case errors.Is(err, upload.ErrPayloadTooLarge):
		return http.StatusBadRequest, fmt.Sprintf("File is too large (max %s).", formatBytes(s.pipe.MaxBytes()))
	case errors.Is(err, upload.ErrAborted):
		return http.StatusBadRequest, "Upload was interrupted."
	default:
		return http.StatusInternalServerError, "Could not store the image."
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
