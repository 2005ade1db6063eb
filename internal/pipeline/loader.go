// Package pipeline turns a PDF on disk into embedded chunks.
package pipeline

import (
	"os"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

// Page is the extracted text of one PDF page. Numbering is 1-based.
type Page struct {
	Number int
	Text   string
}

// LoadPDF extracts per-page text from the file at path.
func LoadPDF(path string) ([]Page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.MissingTempFile(path)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, apperr.ParseError(err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, apperr.ParseError(err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	return pages, nil
}
