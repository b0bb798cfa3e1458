package viewer

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
)

// writeClipboard is swapped out in tests.
var writeClipboard = clipboard.WriteAll

// Permalink builds a link that opens the viewer with path preselected.
func Permalink(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/?file=" + url.QueryEscape(path)
}

// CopyPermalink puts the permalink for path on the clipboard. When the
// clipboard is unavailable the link is printed to w for a manual copy.
// It reports whether the clipboard write succeeded.
func CopyPermalink(w io.Writer, baseURL, path string) (string, bool) {
	link := Permalink(baseURL, path)
	if err := writeClipboard(link); err != nil {
		fmt.Fprintf(w, "Copy this link: %s\n", link)
		return link, false
	}
	fmt.Fprintf(w, "Copied %s\n", link)
	return link, true
}
