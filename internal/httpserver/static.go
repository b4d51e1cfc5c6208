package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
)

//go:embed assets/*
var embeddedAssets embed.FS

func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.loggerFromContext(r.Context())

		serveIndex := func() {
			data, err := fs.ReadFile(sub, "index.html")
			if err != nil {
				logger.Error("failed to read index asset", "err", err)
				http.Error(w, "missing index asset", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := w.Write(data); err != nil {
				logger.Debug("failed to write index response", "err", err)
			}
		}

		normalized := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if normalized == "" || normalized == "index.html" {
			serveIndex()
			return
		}

		if _, err := fs.Stat(sub, normalized); err == nil {
			r2 := new(http.Request)
			*r2 = *r
			r2.URL = cloneURL(r.URL)
			r2.URL.Path = "/" + normalized
			fileServer.ServeHTTP(w, r2)
			return
		}

		http.NotFound(w, r)
	})
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{Path: "/"}
	}
	clone := *u
	return &clone
}
