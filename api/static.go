package api

import (
	"net/http"
	"os"
	"path/filepath"
)

// StaticFileServer serves files from dir, falling back to fallbackPath for unknown paths
// so a single-page client can do its own routing.
func StaticFileServer(dir string, fallbackPath string) http.Handler {
	fs := http.FileServer(http.Dir(dir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, fallbackPath))
	})
}
