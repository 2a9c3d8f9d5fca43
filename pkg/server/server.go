package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flokli/casdump/pkg/server/compression"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/store/indexstore"
	log "github.com/sirupsen/logrus"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const digestPattern = "{digest:^[0-9a-f]{64}$}"

type Server struct {
	Handler *chi.Mux

	blobStore  blobstore.BlobStore
	indexStore indexstore.IndexStore
	chunkSize  int
}

// uploadResponse is returned after a successful upload.
type uploadResponse struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
	Name string `json:"name,omitempty"`
}

// NewServer returns a Server exposing blobStore over HTTP.
// The routes depend on the layout of blobStore.
// Request bodies are read in chunks of chunkSize bytes, 0 picks blobstore.DefaultChunkSize.
func NewServer(blobStore blobstore.BlobStore, indexStore indexstore.IndexStore, chunkSize int) *Server {
	s := &Server{
		blobStore:  blobStore,
		indexStore: indexStore,
		chunkSize:  chunkSize,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.StandardLogger(),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("casdump"))
	})

	switch blobStore.Layout() {
	case blobstore.LayoutNamed:
		r.Post("/v1/new/{name}", s.handleUpload)
		r.Put("/v1/new/{name}", s.handleUpload)
		r.Get("/v1/files/"+digestPattern+"/{name}", s.handleBlob)
		r.Head("/v1/files/"+digestPattern+"/{name}", s.handleBlob)
	default:
		// A name is optional, and only recorded.
		r.Post("/v1/new", s.handleUpload)
		r.Put("/v1/new", s.handleUpload)
		r.Post("/v1/new/{name}", s.handleUpload)
		r.Put("/v1/new/{name}", s.handleUpload)
		r.Get("/v1/files/"+digestPattern, s.handleBlob)
		r.Head("/v1/files/"+digestPattern, s.handleBlob)
	}

	r.Get("/v1/info/"+digestPattern, s.handleInfo)

	s.Handler = r
	return s
}

func (s *Server) Close() error {
	err := s.blobStore.Close()
	if err != nil {
		return err
	}
	return s.indexStore.Close()
}

// nameParam returns the unescaped name URL parameter.
// chi routes on the escaped path if there is one, so that's what its parameters contain.
func nameParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name, nil
	}
	return url.PathUnescape(name)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusBadRequest)
		return
	}
	logger := log.WithFields(log.Fields{
		"request": middleware.GetReqID(r.Context()),
		"name":    name,
	})

	compressionType, err := compression.ContentEncodingToType(r.Header.Get("Content-Encoding"))
	if err != nil {
		http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusUnsupportedMediaType)
		return
	}

	body, err := compression.NewDecompressor(r.Body, compressionType)
	if err != nil {
		http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusBadRequest)
		return
	}
	defer body.Close()

	blob, err := blobstore.Ingest(r.Context(), s.blobStore, name, body, s.chunkSize)
	if err != nil {
		logger.WithError(err).Warn("Upload failed")
		switch {
		case errors.Is(err, store.ErrUploadAborted):
			http.Error(w, "abort", http.StatusBadRequest)
		case errors.Is(err, store.ErrTooLarge):
			http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusRequestEntityTooLarge)
		case errors.Is(err, store.ErrInvalidName):
			http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusBadRequest)
		default:
			http.Error(w, fmt.Sprintf("handle-upload: %v", err), http.StatusInternalServerError)
		}
		return
	}

	// The blob is committed at this point, the index is only informational.
	err = s.indexStore.PutRecord(r.Context(), indexstore.NewRecord(blob, time.Now()))
	if err != nil {
		logger.WithError(err).WithField("digest", blob.Digest).Error("Unable to index blob")
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(&uploadResponse{
		ID:   blob.Digest,
		Size: blob.Size,
		Name: blob.Name,
	})
	if err != nil {
		logger.WithError(err).Warn("Unable to write response")
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	name, err := nameParam(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("handle-blob: %v", err), http.StatusNotFound)
		return
	}

	compressionType := r.URL.Query().Get("compression")
	switch compressionType {
	case "", "none":
		compressionType = "none"
	case "br", "gzip", "zstd":
	default:
		http.Error(w, fmt.Sprintf("handle-blob: unsupported compression: %v", compressionType), http.StatusBadRequest)
		return
	}

	rc, size, err := s.blobStore.Resolve(r.Context(), digest, name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("handle-blob: %v", err), status)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	hw := &holdbackWriter{w: w}
	if compressionType == "none" {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		if r.Method == http.MethodHead {
			return
		}
		_, err = io.Copy(hw, rc)
	} else {
		// We compress on the fly, so don't know the Content-Length upfront.
		if r.Method == http.MethodHead {
			return
		}
		err = s.copyCompressed(hw, rc, compressionType)
	}
	if err == nil {
		err = hw.Flush()
	}
	if err == nil {
		return
	}

	log.WithError(err).WithFields(log.Fields{
		"request": middleware.GetReqID(r.Context()),
		"digest":  digest,
		"name":    name,
	}).Error("Unable to send blob")

	if !hw.wrote {
		http.Error(w, fmt.Sprintf("handle-blob: %v", err), http.StatusInternalServerError)
	}
	// Otherwise headers are already sent. The last byte is held back, so the body
	// is shorter than its Content-Length, or misses the end of the compressed stream,
	// and the client sees a failed transfer.
}

// holdbackWriter passes writes through to w, except for the very last byte written,
// which is only sent on Flush.
type holdbackWriter struct {
	w     io.Writer
	last  [1]byte
	held  bool
	wrote bool
}

func (hw *holdbackWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := hw.Flush(); err != nil {
		return 0, err
	}
	if len(p) > 1 {
		hw.wrote = true
		if _, err := hw.w.Write(p[:len(p)-1]); err != nil {
			return 0, err
		}
	}
	hw.last[0] = p[len(p)-1]
	hw.held = true
	return len(p), nil
}

// Flush sends the held back byte, if there is one.
func (hw *holdbackWriter) Flush() error {
	if !hw.held {
		return nil
	}
	hw.held = false
	hw.wrote = true
	_, err := hw.w.Write(hw.last[:])
	return err
}

func (s *Server) copyCompressed(w io.Writer, r io.Reader, compressionType string) error {
	wc, err := compression.NewCompressor(w, compressionType)
	if err != nil {
		return err
	}
	_, err = io.Copy(wc, r)
	if err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	records, err := s.indexStore.GetRecords(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("handle-info: %v", err), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(records)
	if err != nil {
		log.WithError(err).Warn("Unable to write response")
	}
}
