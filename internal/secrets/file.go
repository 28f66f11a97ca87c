package secrets

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// maxFileSecret bounds how much of a secret file is read.
const maxFileSecret = 64 << 10

// FileResolver reads file:///path references, as mounted by Docker and
// Kubernetes secrets. Surrounding whitespace is trimmed.
type FileResolver struct{}

func NewFileResolver() *FileResolver { return &FileResolver{} }

func (r *FileResolver) Scheme() string { return "file" }

func (r *FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	path, err := locator("file", ref)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", &RefError{Ref: ref, Detail: "file does not exist", Err: ErrSecretNotFound}
	}
	if err != nil {
		return "", &RefError{Ref: ref, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSecret+1))
	if err != nil {
		return "", &RefError{Ref: ref, Err: err}
	}
	if len(data) > maxFileSecret {
		return "", &RefError{Ref: ref, Detail: "file exceeds 64 KiB", Err: ErrSecretNotFound}
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", &RefError{Ref: ref, Detail: "file is empty", Err: ErrSecretNotFound}
	}
	return v, nil
}
