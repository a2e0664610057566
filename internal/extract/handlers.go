package extract

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jc2409/jsonify/internal/logger"
)

const (
	mimePDF  = "application/pdf"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Options selects the handlers installed by NewDefaultRegistry.
type Options struct {
	TextLimit    int
	Spreadsheets bool
	// PDFParser replaces the bundled PDF parser when set.
	PDFParser parser.Parser
}

// NewDefaultRegistry installs the text and PDF handlers, plus spreadsheets when enabled.
func NewDefaultRegistry(ctx context.Context, opts Options, log logger.Logger) (*Registry, error) {
	reg := NewRegistry(opts.TextLimit, log)

	text, err := NewTextHandler(ctx)
	if err != nil {
		return nil, err
	}
	reg.RegisterPrefix("text/", text)

	pdfHandler, err := NewPDFHandler(ctx, opts.PDFParser)
	if err != nil {
		return nil, err
	}
	reg.Register(mimePDF, pdfHandler)

	if opts.Spreadsheets {
		reg.Register(mimeXLSX, SpreadsheetHandler{})
	}
	return reg, nil
}

// decodingParser reads UTF-8 (or BOM-marked UTF-16) text, substituting U+FFFD for bad bytes.
type decodingParser struct{}

func (decodingParser) Parse(ctx context.Context, r io.Reader, _ ...parser.Option) ([]*schema.Document, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(r, dec))
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	return []*schema.Document{{Content: string(data)}}, nil
}

// TextHandler returns the full decoded content of a text file.
type TextHandler struct {
	loader *file.FileLoader
}

func NewTextHandler(ctx context.Context) (*TextHandler, error) {
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      decodingParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("text loader: %w", err)
	}
	return &TextHandler{loader: loader}, nil
}

func (h *TextHandler) Extract(ctx context.Context, path string) (string, error) {
	docs, err := h.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load text: %w", err)
	}
	var b strings.Builder
	for _, doc := range docs {
		b.WriteString(doc.Content)
	}
	return b.String(), nil
}

// PDFHandler joins the text of every page, in page order, with single spaces.
type PDFHandler struct {
	loader *file.FileLoader
}

func NewPDFHandler(ctx context.Context, p parser.Parser) (*PDFHandler, error) {
	if p == nil {
		pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
		if err != nil {
			return nil, fmt.Errorf("pdf parser: %w", err)
		}
		p = pdfParser
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      p,
	})
	if err != nil {
		return nil, fmt.Errorf("pdf loader: %w", err)
	}
	return &PDFHandler{loader: loader}, nil
}

func (h *PDFHandler) Extract(ctx context.Context, path string) (string, error) {
	pages, err := h.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load pdf: %w", err)
	}
	texts := make([]string, len(pages))
	for i, page := range pages {
		texts[i] = page.Content
	}
	return strings.Join(texts, " "), nil
}

// SpreadsheetHandler renders every sheet as tab-separated rows.
type SpreadsheetHandler struct{}

func (SpreadsheetHandler) Extract(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		b.WriteString(sheet)
		b.WriteByte('\n')
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
