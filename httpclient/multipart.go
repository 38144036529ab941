package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// FileUpload represents a file part of a multipart body.
type FileUpload struct {
	// FieldName is the form field name for the file.
	FieldName string

	// FileName is the name of the file sent to the server.
	FileName string

	// Reader provides the file content.
	Reader io.Reader
}

type formField struct {
	key, value string
}

// MultipartBuilder assembles a multipart/form-data RequestBody.
//
// Example:
//
//	body, err := httpclient.NewMultipartBuilder().
//	    Field("description", "Profile picture").
//	    File("avatar", "/path/to/image.png").
//	    Build()
//	if err != nil {
//	    return err
//	}
//	req, err := httpclient.NewRequestBuilder().
//	    URL("https://api.example.com/upload").
//	    Post(body).
//	    Build()
type MultipartBuilder struct {
	fields []formField
	files  []FileUpload
	paths  map[int]string
}

// NewMultipartBuilder returns an empty builder.
func NewMultipartBuilder() *MultipartBuilder {
	return &MultipartBuilder{paths: make(map[int]string)}
}

// Field adds a form field. Fields are written in the order they were added,
// before any file.
func (b *MultipartBuilder) Field(key, value string) *MultipartBuilder {
	b.fields = append(b.fields, formField{key: key, value: value})
	return b
}

// File adds a file from disk. The file is opened when Build runs.
func (b *MultipartBuilder) File(fieldName, filePath string) *MultipartBuilder {
	b.paths[len(b.files)] = filePath
	b.files = append(b.files, FileUpload{
		FieldName: fieldName,
		FileName:  filepath.Base(filePath),
	})
	return b
}

// FileReader adds a file from an io.Reader.
func (b *MultipartBuilder) FileReader(fieldName, fileName string, reader io.Reader) *MultipartBuilder {
	b.files = append(b.files, FileUpload{
		FieldName: fieldName,
		FileName:  fileName,
		Reader:    reader,
	})
	return b
}

// Build encodes every part into memory and returns a replayable body whose
// content type carries the boundary.
func (b *MultipartBuilder) Build() (RequestBody, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	for _, f := range b.fields {
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, fmt.Errorf("httpclient: multipart field %q: %w", f.key, err)
		}
	}

	for idx, file := range b.files {
		if err := b.writeFile(writer, idx, file); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("httpclient: multipart close: %w", err)
	}
	return BytesBody(writer.FormDataContentType(), buf.Bytes()), nil
}

func (b *MultipartBuilder) writeFile(writer *multipart.Writer, idx int, file FileUpload) error {
	reader := file.Reader
	if path, ok := b.paths[idx]; ok {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("httpclient: multipart file %q: %w", file.FieldName, err)
		}
		defer f.Close()
		reader = f
	}
	if reader == nil {
		return fmt.Errorf("httpclient: multipart file %q: no content", file.FieldName)
	}

	part, err := writer.CreateFormFile(file.FieldName, file.FileName)
	if err != nil {
		return fmt.Errorf("httpclient: multipart file %q: %w", file.FieldName, err)
	}
	if _, err := io.Copy(part, reader); err != nil {
		return fmt.Errorf("httpclient: multipart file %q: %w", file.FieldName, err)
	}
	return nil
}
