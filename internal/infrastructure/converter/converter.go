package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

// Converter turns uploaded documents into plain text for the model prompt.
// Word and image documents need an OCR/layout service and are rejected.
type Converter struct{}

func New() *Converter {
	return &Converter{}
}

func (c *Converter) Convert(ctx context.Context, content []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(content) == 0 {
		return "", unsupported(name, "document is empty")
	}

	var (
		text string
		err  error
	)
	switch docType := domain.DetectDocumentType(name); docType {
	case domain.DocumentText:
		text, err = plainText(content, name)
	case domain.DocumentHTML:
		text, err = htmlText(content, name)
	case domain.DocumentPDF:
		text, err = pdfText(content)
	case domain.DocumentSpreadsheet:
		text, err = spreadsheetText(content)
	default:
		return "", unsupported(name, fmt.Sprintf("%s documents are not supported", docType))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func plainText(content []byte, name string) (string, error) {
	if !utf8.Valid(content) {
		return "", unsupported(name, "text document is not valid UTF-8")
	}
	return string(content), nil
}

func htmlText(content []byte, name string) (string, error) {
	if !utf8.Valid(content) {
		return "", unsupported(name, "html document is not valid UTF-8")
	}
	return html2text.HTML2Text(string(content)), nil
}

func pdfText(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(raw), nil
}

// spreadsheetText renders every sheet as a heading followed by tab-separated rows.
func spreadsheetText(content []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet: %w", err)
	}
	defer func() {
		_ = book.Close()
	}()

	var b strings.Builder
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func unsupported(name, reason string) error {
	return domain.WrapError(domain.ErrUnsupportedDocument, "convert "+name, fmt.Errorf("%s", reason))
}
