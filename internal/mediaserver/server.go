// Package mediaserver serves stage media to the display shell over a
// loopback HTTP server. The shell's video elements need a plain http URL,
// and serving everything through one origin keeps remote media (via the
// disk cache) and local project folders behind the same interface.
package mediaserver

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pano-desktop/internal/mediacache"
)

// Server is the loopback media server.
type Server struct {
	cache    *mediacache.MediaCache
	mediaDir string
	url      string
	httpSrv  *http.Server
}

// New creates a server over the media cache and a local project directory.
// Either may be empty.
func New(cache *mediacache.MediaCache, mediaDir string) *Server {
	return &Server{
		cache:    cache,
		mediaDir: mediaDir,
	}
}

// URL returns the base URL once the server is running.
func (s *Server) URL() string {
	return s.url
}

// MediaURL maps a stage URL to a loopback URL the shell can load. Remote
// URLs are path-escaped into a single segment so the mux's path cleaning
// cannot mangle the embedded scheme.
func (s *Server) MediaURL(stageURL string) string {
	if strings.HasPrefix(stageURL, "http://") || strings.HasPrefix(stageURL, "https://") {
		return fmt.Sprintf("%s/cached/%s", s.url, url.PathEscape(stageURL))
	}
	return fmt.Sprintf("%s/local/%s", s.url, strings.TrimPrefix(stageURL, "/"))
}

// corsMiddleware adds CORS headers to allow requests from the Wails
// frontend. On macOS/Linux, Wails uses a wails://wails origin which
// requires CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Range")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds a random loopback port and begins serving.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/cached/", s.handleCached)
	mux.HandleFunc("/local/", s.handleLocal)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start media server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.url = fmt.Sprintf("http://127.0.0.1:%d", port)
	log.Printf("Media server started on %s", s.url)

	s.httpSrv = &http.Server{
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Media server stopped: %v", err)
		}
	}()

	return nil
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// handleCached serves a previously cached remote resource. The path after
// the prefix is the original remote URL, escaped into one segment.
func (s *Server) handleCached(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "media cache disabled", http.StatusNotFound)
		return
	}

	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/cached/")
	key, err := url.PathUnescape(escaped)
	if err != nil || key == "" {
		http.Error(w, "invalid media key", http.StatusBadRequest)
		return
	}

	path, ok := s.cache.Path(key)
	if !ok {
		http.Error(w, "media not cached", http.StatusNotFound)
		return
	}

	if entry, ok := s.cache.Lookup(key); ok && !entry.LastModified.IsZero() {
		w.Header().Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	}
	// ServeFile handles Range requests, which video playback depends on.
	http.ServeFile(w, r, path)
}

// handleLocal serves files from the project media directory, refusing
// anything that escapes it.
func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request) {
	if s.mediaDir == "" {
		http.Error(w, "no media directory configured", http.StatusNotFound)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/local/")
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		http.Error(w, "invalid media path", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.mediaDir, clean)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}

	http.ServeFile(w, r, path)
}
