package emit

import (
	"bytes"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

const (
	mimeJS   = "application/javascript"
	mimeCSS  = "text/css"
	mimeHTML = "text/html"
)

func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc(mimeJS, js.Minify)
	m.AddFunc(mimeCSS, css.Minify)
	m.Add(mimeHTML, &html.Minifier{KeepDocumentTags: true, KeepEndTags: true, KeepDefaultAttrVals: true})
	return m
}

// compressible reports whether path gets a gzip companion.
func compressible(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".css":
		return true
	}
	return false
}

// gzipCompanion compresses data and reports whether the result is worth
// keeping: the input must exceed threshold bytes and the compressed size
// must be at most minRatio of it.
func gzipCompanion(data []byte, threshold int, minRatio float64) ([]byte, bool, error) {
	if len(data) <= threshold {
		return nil, false, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, false, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	if float64(buf.Len())/float64(len(data)) > minRatio {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}
