package main

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var embeddedFiles embed.FS

// staticHandler serves the demo page and its assets from the binary.
func staticHandler() (http.Handler, error) {
	sub, err := fs.Sub(embeddedFiles, "static")
	if err != nil {
		return nil, err
	}
	return http.FileServer(http.FS(sub)), nil
}
