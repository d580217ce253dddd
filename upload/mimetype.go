package upload

import (
	"strings"
)

type fileType struct {
	mime string
	// sniffed lists the http.DetectContentType results accepted for the extension
	sniffed []string
}

var fileTypes = map[string]fileType{
	"jpg":  {"image/jpeg", []string{"image/jpeg"}},
	"jpeg": {"image/jpeg", []string{"image/jpeg"}},
	"png":  {"image/png", []string{"image/png"}},
	"gif":  {"image/gif", []string{"image/gif"}},
	"webp": {"image/webp", []string{"image/webp"}},
	"pdf":  {"application/pdf", []string{"application/pdf"}},
	"txt":  {"text/plain", []string{"text/plain"}},
	"csv":  {"text/csv", []string{"text/plain"}},
	"doc":  {"application/msword", []string{"application/octet-stream"}},
	"xls":  {"application/vnd.ms-excel", []string{"application/octet-stream"}},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", []string{"application/zip"}},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", []string{"application/zip"}},
	"zip":  {"application/zip", []string{"application/zip"}},
}

// checkType matches the sniffed content type against the extension and returns
// the MIME type to record. Markup is never accepted.
func checkType(ext, sniffed string) (string, bool) {
	base := strings.TrimSpace(strings.SplitN(sniffed, ";", 2)[0])
	switch base {
	case "text/html", "text/xml", "application/xml", "image/svg+xml":
		return "", false
	}

	ft, ok := fileTypes[ext]
	if !ok {
		return "application/octet-stream", true
	}
	for _, s := range ft.sniffed {
		if s == base {
			return ft.mime, true
		}
	}
	return "", false
}
