package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Defaults returns the built-in resolvers in their display order.
func Defaults() []Resolver {
	return []Resolver{FileSize{}, ContentType{}, HTMLTitle{}}
}

// FileSize reports the size of any file in SI units.
type FileSize struct{}

func (FileSize) Name() string { return "Size" }
func (FileSize) Inline() bool { return true }
func (FileSize) Relevant(_ string) bool { return true }

func (FileSize) Resolve(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return humanize.Bytes(uint64(info.Size())), nil
}

// ContentType reports the sniffed MIME type of any file.
type ContentType struct{}

func (ContentType) Name() string { return "Type" }
func (ContentType) Inline() bool { return true }
func (ContentType) Relevant(_ string) bool { return true }

func (ContentType) Resolve(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	// Drop parameters such as charset.
	return strings.SplitN(mt.String(), ";", 2)[0], nil
}

// HTMLTitle reports the <title> of HTML documents.
type HTMLTitle struct{}

func (HTMLTitle) Name() string { return "Title" }
func (HTMLTitle) Inline() bool { return false }

func (HTMLTitle) Relevant(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}

func (HTMLTitle) Resolve(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "", fmt.Errorf("no title in %s", filepath.Base(path))
	}
	return title, nil
}
