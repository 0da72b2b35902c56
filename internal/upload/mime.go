package upload

import (
	"fmt"
	"path/filepath"
	"strings"
)

// mimeTypes maps the document extensions the service accepts to their MIME
// types. Anything else uploads as octet-stream and the server sorts it out.
var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".txt":  "text/plain",
}

// GuessMIME returns the MIME type for a file path based on its extension.
func GuessMIME(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}

	return "application/octet-stream"
}

// SupportedExtension reports whether the extension is in the accepted set.
// Used by batch directory scans to skip unrelated files.
func SupportedExtension(path string) bool {
	_, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// HumanSize renders a byte count with one decimal and a binary unit.
func HumanSize(size int64) string {
	value := float64(size)

	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}

		value /= 1024
	}

	return fmt.Sprintf("%.1f TB", value)
}
