package rangeserve

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// Known media types first; the platform mime table is sparse on minimal hosts.
var contentTypes = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	// video
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	// audio
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	// docs
	".pdf": "application/pdf",
	".txt": "text/plain; charset=utf-8",
	".md":  "text/plain; charset=utf-8",
	// archives
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
}

// ContentTypeFor picks a Content-Type for the file at abs: the static
// extension table, then content sniffing, then application/octet-stream.
func ContentTypeFor(abs string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(abs))]; ok {
		return ct
	}
	if mt, err := mimetype.DetectFile(abs); err == nil && mt != nil {
		return mt.String()
	}
	return octetStream
}
