package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// serveFile 以附件形式下发导出文件；downloadBase 非空时替换文件名主体。
func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadBase string) {
	name := filepath.Base(path)
	if downloadBase != "" {
		name = downloadBase + filepath.Ext(name)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		w.Header().Set("Content-Type", "application/pdf")
	case ".zip":
		w.Header().Set("Content-Type", "application/zip")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
