package viewer

import (
	"path"
	"strings"
)

// PreviewKind selects how a file is previewed.
type PreviewKind int

const (
	KindNone PreviewKind = iota
	KindImage
	KindText
)

func (k PreviewKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return "none"
	}
}

// NoPreviewMessage is shown for files that cannot be previewed inline.
const NoPreviewMessage = "Preview not available for this file type. Use the download link."

var imageExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true,
	"svg": true, "webp": true, "bmp": true, "ico": true,
}

var textExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "json": true,
	"js": true, "ts": true, "css": true, "html": true, "htm": true,
	"xml": true, "csv": true, "log": true, "yml": true, "yaml": true,
	"toml": true, "go": true, "py": true, "sh": true,
}

// Classify picks the preview kind from the file extension.
func Classify(name string) PreviewKind {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case textExtensions[ext]:
		return KindText
	default:
		return KindNone
	}
}

// Preview is the content of the preview pane for one file.
type Preview struct {
	Path    string
	Kind    PreviewKind
	Text    string // KindText: raw content, shown preformatted
	URL     string // KindImage: where the image is served
	Message string // KindNone
}
