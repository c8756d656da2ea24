package constants

import "strings"

// Accepted upload MIME types.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeHEIC = "image/heic"
	MimePDF  = "application/pdf"
)

// SupportedMimeTypes holds the MIME types the preprocessor can rasterize.
var SupportedMimeTypes = map[string]struct{}{
	MimeJPEG: {},
	MimePNG:  {},
	MimeHEIC: {},
	MimePDF:  {},
}

// AllowedExtensions maps receipt file extensions to their MIME type for local ingestion.
var AllowedExtensions = map[string]string{
	"pdf":  MimePDF,
	"jpg":  MimeJPEG,
	"jpeg": MimeJPEG,
	"png":  MimePNG,
	"heic": MimeHEIC,
	"heif": MimeHEIC,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MimeForExt returns the MIME type for a file extension, or "" when not allowed.
func MimeForExt(ext string) string {
	return AllowedExtensions[NormalizeExt(ext)]
}

// NormalizeMime strips parameters and lowercases a Content-Type value.
func NormalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/jpg", "image/pjpeg":
		return MimeJPEG
	case "image/heif":
		return MimeHEIC
	}
	return mime
}

func IsSupportedMime(mime string) bool {
	_, ok := SupportedMimeTypes[NormalizeMime(mime)]
	return ok
}
