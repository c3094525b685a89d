// Package static embeds the registration kiosk page.
package static

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:dist/*
var distFS embed.FS

// GetFileSystem returns an http.FileSystem for the embedded dist directory.
func GetFileSystem() http.FileSystem {
	fsys, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic(err)
	}
	return http.FS(fsys)
}

// IndexHTML returns the kiosk page.
func IndexHTML() ([]byte, error) {
	return distFS.ReadFile("dist/index.html")
}
