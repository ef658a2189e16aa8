// Package upload validates a user-selected image and encodes it for
// transmission to the analysis service.
package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// MaxFileSize is the largest accepted image, in bytes.
const MaxFileSize = 5 * 1024 * 1024

const encodeChunk = 48 * 1024 // multiple of 3 so chunks concatenate cleanly

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

var (
	// ErrUnsupportedType is returned for anything other than JPEG or PNG.
	ErrUnsupportedType = errors.New("unsupported image type")
	// ErrTooLarge is returned for files above MaxFileSize.
	ErrTooLarge = errors.New("image too large")
	// ErrNoFile is returned when an operation needs a selected file and none is held.
	ErrNoFile = errors.New("no file selected")
)

// ValidationError is a rejected selection. Message is suitable for display.
type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// SelectedFile is an image picked by the user.
type SelectedFile struct {
	Name     string
	MIMEType string
	Size     int64
	Data     []byte
}

// Validate checks the type and size of f.
func Validate(f *SelectedFile) error {
	if f == nil {
		return ErrNoFile
	}
	if !allowedTypes[strings.ToLower(f.MIMEType)] {
		return &ValidationError{Err: ErrUnsupportedType, Message: "Please select only JPG or PNG files."}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{Err: ErrTooLarge, Message: "The file must be at most 5MB."}
	}
	return nil
}

// FromBytes wraps in-memory image data, detecting its type from content.
func FromBytes(name string, data []byte) *SelectedFile {
	return &SelectedFile{
		Name:     name,
		MIMEType: detectType(name, mimetype.Detect(data)),
		Size:     int64(len(data)),
		Data:     data,
	}
}

// Open reads the file at path. The type is sniffed from content with the
// extension as fallback. Files larger than MaxFileSize are returned without
// data so that Validate can reject them without reading them in.
func Open(path string) (*SelectedFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open image: %s is a directory", path)
	}

	detected, err := mimetype.DetectReader(fh)
	if err != nil {
		return nil, fmt.Errorf("detect image type: %w", err)
	}

	f := &SelectedFile{
		Name:     filepath.Base(path),
		MIMEType: detectType(path, detected),
		Size:     info.Size(),
	}
	if f.Size > MaxFileSize {
		return f, nil
	}

	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind image: %w", err)
	}
	data, err := io.ReadAll(fh)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return FromBytes(f.Name, data), nil
}

func detectType(name string, detected *mimetype.MIME) string {
	if detected != nil && !detected.Is("application/octet-stream") {
		return mediaType(detected.String())
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return mediaType(byExt)
	}
	return "application/octet-stream"
}

func mediaType(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return v
	}
	return mt
}

// EncodeDataURL encodes f as a base64 data URL. It checks ctx between chunks.
func EncodeDataURL(ctx context.Context, f *SelectedFile) (string, error) {
	if f == nil {
		return "", ErrNoFile
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(f.MIMEType) + base64.StdEncoding.EncodedLen(len(f.Data)))
	b.WriteString("data:")
	b.WriteString(f.MIMEType)
	b.WriteString(";base64,")

	buf := make([]byte, base64.StdEncoding.EncodedLen(encodeChunk))
	for off := 0; off < len(f.Data); off += encodeChunk {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := off + encodeChunk
		if end > len(f.Data) {
			end = len(f.Data)
		}
		n := base64.StdEncoding.EncodedLen(end - off)
		base64.StdEncoding.Encode(buf[:n], f.Data[off:end])
		b.Write(buf[:n])
	}
	return b.String(), nil
}

// Uploader owns the currently selected file.
type Uploader struct {
	mu   sync.Mutex
	file *SelectedFile
}

// Select validates f and makes it the current file. A rejected file leaves
// nothing selected.
func (u *Uploader) Select(f *SelectedFile) error {
	err := Validate(f)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.file = nil
		return err
	}
	u.file = f
	return nil
}

// Current returns the selected file, or nil.
func (u *Uploader) Current() *SelectedFile {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file
}

// DataURL encodes the current file.
func (u *Uploader) DataURL(ctx context.Context) (string, error) {
	f := u.Current()
	if f == nil {
		return "", ErrNoFile
	}
	return EncodeDataURL(ctx, f)
}

// Reset drops the current file. It is safe to call repeatedly.
func (u *Uploader) Reset() {
	u.mu.Lock()
	u.file = nil
	u.mu.Unlock()
}
