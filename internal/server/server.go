package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"faceserve/internal/hub"
	"faceserve/internal/pipeline"
	"faceserve/internal/store"
)

//go:embed web/*
var webFS embed.FS

const (
	pongWait      = 60 * time.Second
	pingEvery     = (pongWait * 9) / 10
	maxUploadSize = 50 << 20
)

// Server exposes the upload, fetch and notification endpoints.
type Server struct {
	upgrader websocket.Upgrader
	pipe     *pipeline.Service
	hub      *hub.Hub
	index    *template.Template
}

func New(pipe *pipeline.Service, h *hub.Hub) (*Server, error) {
	index, err := template.ParseFS(webFS, "web/index.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pipe:  pipe,
		hub:   h,
		index: index,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /image", s.handleUpload)
	mux.HandleFunc("GET /image/{id}", s.handleImage)
	mux.HandleFunc("GET /image/{id}/faces", s.handleImageFaces)
	mux.HandleFunc("GET /faces", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, port int, pipe *pipeline.Service, h *hub.Hub) error {
	srv, err := New(pipe, h)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return httpServer.ListenAndServe()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, map[string]any{"URL": requestURL(r)}); err != nil {
		log.Printf("render index: %v", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, "Could not parse multipart form.", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, "No image file in request.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, "Failed to read upload.", http.StatusInternalServerError)
		return
	}

	imageURL, err := s.pipe.Submit(data, header.Header.Get("Content-Type"), requestURL(r))
	if err != nil {
		if errors.Is(err, pipeline.ErrUnsupportedMediaType) || errors.Is(err, pipeline.ErrInvalidImageData) {
			respondError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			respondError(w, "Internal error.", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, map[string]string{"image_url": imageURL}, http.StatusOK)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, "Image not found.", http.StatusNotFound)
		return
	}

	data, err := s.pipe.Fetch(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, "Image not found.", http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, "Internal error.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func (s *Server) handleImageFaces(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, "Image not found.", http.StatusNotFound)
		return
	}

	data, err := s.pipe.FetchMeta(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, "Image not found.", http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, "Internal error.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleWS upgrades the connection and registers it with the hub. Inbound
// frames are read only to notice the client going away; their content is
// never inspected.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.hub.Register(conn)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.hub.Ping(conn); err != nil {
						s.hub.Unregister(conn)
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := s.pipe.Status()
	payload["ws_clients"] = s.hub.Count()
	respondJSON(w, payload, http.StatusOK)
}

// requestURL reconstructs the absolute URL the client used to reach us; the
// upload acknowledgement appends the identifier to it.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, detail string, status int) {
	respondJSON(w, map[string]string{"detail": detail}, status)
}
