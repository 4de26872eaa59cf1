package contract

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"autoloc/pkg/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Put(ctx, "rentals/1/a.pdf", []byte("%PDF-1")))
	doc, err := st.Get(ctx, "rentals/1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1"), doc)

	require.NoError(t, st.Delete(ctx, "rentals/1/a.pdf"))
	_, err = st.Get(ctx, "rentals/1/a.pdf")
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	// deleting twice is fine
	assert.NoError(t, st.Delete(ctx, "rentals/1/a.pdf"))
}

func TestLocalStorageStaysInDir(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStorage(dir)
	require.NoError(t, err)

	p, err := st.path("../../etc/passwd")
	require.NoError(t, err)
	assert.Contains(t, p, dir)

	_, err = st.path("")
	assert.Error(t, err)
}

func TestNewStorage(t *testing.T) {
	st, err := NewStorage(context.Background(), config.ContractConfig{Storage: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, st)

	_, err = NewStorage(context.Background(), config.ContractConfig{Storage: "ftp"})
	assert.Error(t, err)
}

// fakeS3 serves path-style object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Storage(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	st, err := NewS3Storage(ctx, config.S3Config{
		Bucket:    "contracts",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "autoloc/",
	})
	require.NoError(t, err)

	require.NoError(t, st.Put(ctx, "rentals/2/b.pdf", []byte("%PDF-1.3 body")))
	fake.mu.Lock()
	stored, ok := fake.objects["/contracts/autoloc/rentals/2/b.pdf"]
	fake.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF-1.3 body"), stored)

	doc, err := st.Get(ctx, "rentals/2/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.3 body"), doc)

	require.NoError(t, st.Delete(ctx, "rentals/2/b.pdf"))
	_, err = st.Get(ctx, "rentals/2/b.pdf")
	assert.True(t, errors.Is(err, ErrObjectNotFound))
}
