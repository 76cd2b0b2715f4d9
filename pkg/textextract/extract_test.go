package textextract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestExtractTXTCleansWhitespace(t *testing.T) {
	raw := []byte("\xef\xbb\xbfTitle   line\r\n\r\n\r\n\r\nBody  text\n")
	out, err := Extract(bytes.NewReader(raw), int64(len(raw)), ".txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Content != "Title line\n\nBody text" {
		t.Fatalf("unexpected content: %q", out.Content)
	}
}

func TestExtractDOCXKeepsParagraphs(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	_, _ = w.Write([]byte(`<w:document><w:body><w:p><w:r><w:t>Cells &amp; tissues</w:t></w:r></w:p><w:p><w:r><w:t>Second para</w:t></w:r></w:p></w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	data := buf.Bytes()
	out, err := Extract(bytes.NewReader(data), int64(len(data)), "docx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Content != "Cells & tissues\n\nSecond para" {
		t.Fatalf("unexpected content: %q", out.Content)
	}
}

func TestExtractRejectsUnknownTypes(t *testing.T) {
	if _, err := Extract(bytes.NewReader(nil), 0, ".pptx"); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}
