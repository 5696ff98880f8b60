// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"mime"
	"path"
	"strings"
	"unicode/utf8"
)

// inlineContentTypes may render directly in the browser. Everything
// else is served as an attachment so an upload cannot script the media
// origin. SVG stays out: it executes scripts.
var inlineContentTypes = map[string]bool{
	"image/png":      true,
	"image/apng":     true,
	"image/jpeg":     true,
	"image/gif":      true,
	"image/webp":     true,
	"image/avif":     true,
	"video/mp4":      true,
	"video/webm":     true,
	"video/ogg":      true,
	"audio/mp4":      true,
	"audio/webm":     true,
	"audio/aac":      true,
	"audio/mpeg":     true,
	"audio/ogg":      true,
	"audio/wave":     true,
	"audio/wav":      true,
	"audio/x-wav":    true,
	"audio/x-pn-wav": true,
	"audio/flac":     true,
	"audio/x-flac":   true,
	"text/plain":     true,
}

// sanitizeContentType reduces a client-supplied type to its bare MIME
// type. Unparseable or missing types become octet-stream.
func sanitizeContentType(raw string) string {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil || mediaType == "" {
		return "application/octet-stream"
	}
	return strings.ToLower(mediaType)
}

// sanitizeFilename strips directory components, control characters,
// and quotes, and bounds the length so the name is safe in a
// Content-Disposition header.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F || r == '"' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for len(out) > 255 {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	return out
}

// filenameFromDisposition pulls the filename out of a served
// Content-Disposition header, empty when absent or unparseable.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return sanitizeFilename(params["filename"])
}

// ContentDisposition is the download header for this media: inline for
// types a browser may render, attachment for everything else.
func (m *Meta) ContentDisposition() string {
	kind := "attachment"
	if inlineContentTypes[m.ContentType] {
		kind = "inline"
	}
	if m.Filename == "" {
		return kind
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": m.Filename})
}
