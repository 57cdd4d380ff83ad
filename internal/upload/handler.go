package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const maxUploadSize = 10 << 20 // 10 MB

// Descriptor is the stored-file record returned to the client, which
// forwards it verbatim on the file-upload socket event.
type Descriptor struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// Handler writes uploaded files to a local directory under a
// collision-proof generated name.
type Handler struct {
	dir string
}

func NewHandler(dir string) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	return &Handler{dir: dir}, nil
}

// Dir returns the storage directory, for static serving.
func (h *Handler) Dir() string {
	return h.dir
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	stored := uuid.NewString() + "-" + filepath.Base(header.Filename)
	dst, err := os.Create(filepath.Join(h.dir, stored))
	if err != nil {
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(Descriptor{
		Filename:     stored,
		OriginalName: header.Filename,
		MimeType:     mimeType,
		Size:         size,
	})
}
