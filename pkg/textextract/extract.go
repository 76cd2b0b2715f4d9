package textextract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

type ExtractedText struct {
	Content  string
	Pages    int
	Metadata map[string]string
}

// Extract pulls plain text out of a source document. fileType may be an
// extension or a MIME type.
func Extract(data io.ReaderAt, size int64, fileType string) (*ExtractedText, error) {
	switch strings.ToLower(fileType) {
	case ".pdf", "pdf", "application/pdf":
		return extractPDF(data, size)
	case ".docx", "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDOCX(data, size)
	case ".txt", "txt", "text/plain", ".md", "md", "text/markdown":
		return extractTXT(data, size)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", fileType)
	}
}

func SupportedTypes() []string {
	return []string{".pdf", ".docx", ".txt", ".md"}
}

func extractPDF(data io.ReaderAt, size int64) (*ExtractedText, error) {
	reader, err := pdf.NewReader(data, size)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	var (
		buf     strings.Builder
		skipped int
	)
	numPages := reader.NumPage()

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			skipped++
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			skipped++
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}

	content := Clean(buf.String())
	if content == "" {
		return nil, fmt.Errorf("PDF has no extractable text (%d pages, scanned?)", numPages)
	}

	return &ExtractedText{
		Content: content,
		Pages:   numPages,
		Metadata: map[string]string{
			"type":          "pdf",
			"skipped_pages": fmt.Sprint(skipped),
		},
	}, nil
}

var (
	paragraphEnd = regexp.MustCompile(`</w:p>`)
	xmlTag       = regexp.MustCompile(`<[^>]+>`)
)

func extractDOCX(data io.ReaderAt, size int64) (*ExtractedText, error) {
	reader, err := zip.NewReader(data, size)
	if err != nil {
		return nil, fmt.Errorf("open DOCX: %w", err)
	}

	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read document.xml: %w", err)
		}

		text := paragraphEnd.ReplaceAllString(string(content), "\n\n")
		text = xmlTag.ReplaceAllString(text, "")
		return &ExtractedText{
			Content: Clean(unescapeXML(text)),
			Pages:   1,
			Metadata: map[string]string{
				"type": "docx",
			},
		}, nil
	}
	return nil, fmt.Errorf("open DOCX: word/document.xml not found")
}

func extractTXT(data io.ReaderAt, size int64) (*ExtractedText, error) {
	buf := make([]byte, size)
	_, err := data.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read TXT: %w", err)
	}
	if !utf8.Valid(buf) {
		return nil, fmt.Errorf("read TXT: not valid UTF-8")
	}

	return &ExtractedText{
		Content: Clean(string(bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf")))),
		Pages:   1,
		Metadata: map[string]string{
			"type": "txt",
		},
	}, nil
}

var xmlEntities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'")

func unescapeXML(s string) string { return xmlEntities.Replace(s) }

// Clean collapses runs of spaces inside lines and keeps at most one blank
// line between paragraphs.
func Clean(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
