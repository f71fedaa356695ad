// ABOUTME: MIME type and file extension tables for cached attachments
// ABOUTME: Unmapped types fall back to .bin and application/octet-stream

package media

import "strings"

const (
	fallbackExt  = ".bin"
	fallbackMIME = "application/octet-stream"
)

var extByMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
	".aac":  "audio/aac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".pdf":  "application/pdf",
}

// ExtensionFor maps a MIME type to a file extension. Parameters such as
// "; codecs=opus" are ignored.
func ExtensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := extByMIME[strings.ToLower(strings.TrimSpace(base))]; ok {
		return ext
	}
	return fallbackExt
}

// MIMEFor maps a file extension to a MIME type.
func MIMEFor(ext string) string {
	if m, ok := mimeByExt[strings.ToLower(ext)]; ok {
		return m
	}
	return fallbackMIME
}
