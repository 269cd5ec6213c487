// Package mimetypes classifies the MIME types sniffed from shared files.
package mimetypes

import (
	"mime"
	"slices"
)

type MIME string

const (
	Unknown   MIME = "unknown"
	TextPlain MIME = "text/plain"

	ApplicationPDF MIME = "application/pdf"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
	ImageWebP MIME = "image/webp"
)

// inline lists the types a browser may render in place. Anything able to run
// script, such as HTML or SVG, is always served as an attachment.
var inline = []MIME{TextPlain, ApplicationPDF, ImagePNG, ImageJPEG, ImageGIF, ImageWebP}

// Parse drops the parameters of a detected type, "text/plain; charset=utf-8"
// becoming TextPlain.
func Parse(detected string) MIME {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown
	}
	return MIME(mt)
}

// Inline reports whether a file of this type can be displayed by the client
// rather than downloaded.
func Inline(detected string) bool {
	return slices.Contains(inline, Parse(detected))
}
