package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	docxDefaultDocumentPath = "word/document.xml"
	contentTypesPath        = "[Content_Types].xml"
	docxMainContentType     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

	maxDocxPartBytes = 256 << 20
)

type contentTypes struct {
	Overrides []struct {
		PartName    string `xml:"PartName,attr"`
		ContentType string `xml:"ContentType,attr"`
	} `xml:"Override"`
}

// docxMainDocumentPath returns the main document part declared in
// [Content_Types].xml, without a leading slash, or the default location.
func docxMainDocumentPath(zr *zip.Reader) string {
	data, err := readZipPart(zr, contentTypesPath)
	if err != nil {
		return docxDefaultDocumentPath
	}
	var ct contentTypes
	if err := xml.Unmarshal(data, &ct); err != nil {
		return docxDefaultDocumentPath
	}
	for _, o := range ct.Overrides {
		if o.ContentType == docxMainContentType && o.PartName != "" {
			return strings.TrimPrefix(o.PartName, "/")
		}
	}
	return docxDefaultDocumentPath
}

var errPartNotFound = errors.New("part not found")

func readZipPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxDocxPartBytes))
	}
	return nil, errPartNotFound
}

// extractDOCX returns the text of a .docx body with one line per paragraph.
// Text runs (w:t) inside a paragraph are concatenated; tabs and breaks become
// whitespace.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract DOCX: not a zip: %w", err)
	}
	docPath := docxMainDocumentPath(zr)
	docXML, err := readZipPart(zr, docPath)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: read %s: %w", docPath, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(docXML))
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("extract DOCX: parse %s: %w", docPath, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(current.String()); p != "" {
					paragraphs = append(paragraphs, p)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if p := strings.TrimSpace(current.String()); p != "" {
		paragraphs = append(paragraphs, p)
	}
	return strings.Join(paragraphs, "\n"), nil
}
