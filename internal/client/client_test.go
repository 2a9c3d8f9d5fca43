package client_test

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/flokli/casdump/internal/client"
	"github.com/flokli/casdump/pkg/server"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/store/indexstore"
	"github.com/flokli/casdump/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, layout blobstore.Layout, maxSize uint64) *client.Client {
	t.Helper()

	s := server.NewServer(blobstore.NewMemoryStore(layout, maxSize), indexstore.NewMemoryStore(), 0)
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})

	c, err := client.New(ts.URL, ts.Client())
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	c, err := client.New("http://localhost:9000", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", c.URL())

	_, err = client.New("s3://bucket", nil)
	assert.Error(t, err)

	_, err = client.New("://", nil)
	assert.Error(t, err)
}

func TestFlat(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, blobstore.LayoutFlat, 2*1024*1024)
	testDataT := test.GetTestDataTable()
	tdHello := testDataT["hello"]

	t.Run("Exists before upload", func(t *testing.T) {
		exists, err := c.Exists(ctx, tdHello.Digest, "")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Get before upload", func(t *testing.T) {
		_, err := c.Get(ctx, tdHello.Digest, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Upload", func(t *testing.T) {
		blob, err := c.Upload(ctx, "", bytes.NewReader(tdHello.Contents), "none")
		require.NoError(t, err)
		assert.Equal(t, &blobstore.Blob{Digest: test.HelloDigest, Size: 5}, blob)
	})

	t.Run("Exists", func(t *testing.T) {
		exists, err := c.Exists(ctx, tdHello.Digest, "")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Get", func(t *testing.T) {
		rc, err := c.Get(ctx, tdHello.Digest, "")
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, tdHello.Contents, b)
	})

	t.Run("Info", func(t *testing.T) {
		records, err := c.Info(ctx, tdHello.Digest)
		require.NoError(t, err)
		if assert.Len(t, records, 1) {
			assert.Equal(t, uint64(5), records[0].Size)
		}

		_, err = c.Info(ctx, testDataT["report"].Digest)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	for _, compressionType := range []string{"br", "gzip", "zstd"} {
		t.Run("Upload "+compressionType, func(t *testing.T) {
			tdLarge := testDataT["large"]
			blob, err := c.Upload(ctx, "", bytes.NewReader(tdLarge.Contents), compressionType)
			require.NoError(t, err)
			assert.Equal(t, tdLarge.Digest, blob.Digest)
			assert.Equal(t, uint64(len(tdLarge.Contents)), blob.Size)
		})
	}

	t.Run("Upload unsupported compression", func(t *testing.T) {
		_, err := c.Upload(ctx, "", bytes.NewReader(tdHello.Contents), "lzip")
		assert.Error(t, err)
	})

	t.Run("Upload aborted", func(t *testing.T) {
		r := &test.FailingReader{Contents: []byte("par"), Err: io.ErrUnexpectedEOF}
		_, err := c.Upload(ctx, "", r, "gzip")
		// the compressed stream is cut short, which the server sees as an aborted upload
		assert.Error(t, err)
	})

	t.Run("Upload too large", func(t *testing.T) {
		_, err := c.Upload(ctx, "", bytes.NewReader(make([]byte, 3*1024*1024)), "zstd")
		assert.ErrorIs(t, err, store.ErrTooLarge)
	})

	t.Run("Upload with name", func(t *testing.T) {
		tdReport := testDataT["report"]
		blob, err := c.Upload(ctx, tdReport.Name, bytes.NewReader(tdReport.Contents), "none")
		require.NoError(t, err)
		assert.Equal(t, &blobstore.Blob{Digest: tdReport.Digest, Size: 4, Name: "report.csv"}, blob)

		// the name is recorded, but not needed to retrieve the blob
		rc, err := c.Get(ctx, tdReport.Digest, "")
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, tdReport.Contents, b)

		records, err := c.Info(ctx, tdReport.Digest)
		require.NoError(t, err)
		if assert.Len(t, records, 1) {
			assert.Equal(t, "report.csv", records[0].Name)
		}
	})
}

func TestGetCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blobStore, err := blobstore.NewFileStore(dir, blobstore.FileStoreOptions{
		Layout:      blobstore.LayoutFlat,
		VerifyReads: true,
	})
	require.NoError(t, err)

	s := server.NewServer(blobStore, indexstore.NewMemoryStore(), 0)
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	c, err := client.New(ts.URL, ts.Client())
	require.NoError(t, err)

	tdHello := test.GetTestDataTable()["hello"]
	_, err = c.Upload(ctx, "", bytes.NewReader(tdHello.Contents), "none")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dumps", tdHello.Digest), []byte("jello"), 0o644))

	rc, err := c.Get(ctx, tdHello.Digest, "")
	if err == nil {
		defer rc.Close()
		_, err = io.ReadAll(rc)
	}
	assert.Error(t, err)
}

func TestNamed(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, blobstore.LayoutNamed, 0)
	tdReport := test.GetTestDataTable()["report"]

	blob, err := c.Upload(ctx, tdReport.Name, bytes.NewReader(tdReport.Contents), "none")
	require.NoError(t, err)
	assert.Equal(t, &blobstore.Blob{Digest: tdReport.Digest, Size: 4, Name: "report.csv"}, blob)

	exists, err := c.Exists(ctx, tdReport.Digest, "report.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.Exists(ctx, tdReport.Digest, "other.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Get(ctx, tdReport.Digest, "other.csv")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// names are escaped
	blob, err = c.Upload(ctx, "with space & more?.csv", bytes.NewReader(tdReport.Contents), "none")
	require.NoError(t, err)
	assert.Equal(t, "with space & more?.csv", blob.Name)

	rc, err := c.Get(ctx, tdReport.Digest, "with space & more?.csv")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, tdReport.Contents, b)
}
