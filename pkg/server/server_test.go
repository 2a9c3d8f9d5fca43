package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/server"
	"github.com/flokli/casdump/pkg/server/compression"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/store/indexstore"
	"github.com/flokli/casdump/test"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadResponse struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
	Name string `json:"name"`
}

func do(t *testing.T, handler http.Handler, req *http.Request) *http.Response {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr.Result()
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestRoot(t *testing.T) {
	s := server.NewServer(blobstore.NewMemoryStore(blobstore.LayoutFlat, 0), indexstore.NewMemoryStore(), 0)
	defer s.Close()

	resp := do(t, s.Handler, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "casdump", string(readBody(t, resp)))
}

// TestFlat tests the handler with blobs addressed by digest only.
func TestFlat(t *testing.T) {
	blobStore, err := blobstore.NewFileStore(t.TempDir(), blobstore.FileStoreOptions{
		Layout:      blobstore.LayoutFlat,
		MaxSize:     1024,
		VerifyReads: true,
	})
	require.NoError(t, err)
	indexStore := indexstore.NewMemoryStore()

	s := server.NewServer(blobStore, indexStore, 2)
	defer s.Close()

	tdHello := test.GetTestDataTable()["hello"]
	blobPath := "/v1/files/" + tdHello.Digest

	t.Run("GET non-existent blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", blobPath, nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("GET info of non-existent blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/info/"+tdHello.Digest, nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	for _, method := range []string{"POST", "PUT"} {
		t.Run(method+" blob", func(t *testing.T) {
			resp := do(t, s.Handler, httptest.NewRequest(method, "/v1/new", bytes.NewReader(tdHello.Contents)))
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			b := readBody(t, resp)
			assert.NotContains(t, string(b), "name", "no name is sent in the flat layout")

			var ur uploadResponse
			require.NoError(t, json.Unmarshal(b, &ur))
			assert.Equal(t, test.HelloDigest, ur.ID)
			assert.Equal(t, uint64(5), ur.Size)
		})
	}

	t.Run("GET blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", blobPath, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "5", resp.Header.Get("Content-Length"))
		assert.Equal(t, tdHello.Contents, readBody(t, resp))
	})

	t.Run("HEAD blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("HEAD", blobPath, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "5", resp.Header.Get("Content-Length"))
		assert.Empty(t, readBody(t, resp))
	})

	t.Run("GET malformed digest", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+strings.ToUpper(tdHello.Digest), nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	// get compressed blob, which should match the blob after decompressing with zstd
	t.Run("GET compressed blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", blobPath+"?compression=zstd", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		// We don't send the Content-Length header here, as we compress on the fly and don't know upfront
		assert.Empty(t, resp.Header.Get("Content-Length"))

		zstdReader, err := zstd.NewReader(bytes.NewReader(readBody(t, resp)))
		require.NoError(t, err)
		defer zstdReader.Close()
		actualContents, err := io.ReadAll(zstdReader)
		require.NoError(t, err)
		assert.Equal(t, tdHello.Contents, actualContents)
	})

	t.Run("GET unsupported compression", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", blobPath+"?compression=lzip", nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GET info", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/info/"+tdHello.Digest, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var records []*indexstore.Record
		require.NoError(t, json.Unmarshal(readBody(t, resp), &records))
		if assert.Len(t, records, 1, "uploading twice records once") {
			assert.Equal(t, test.HelloDigest, records[0].Digest)
			assert.Equal(t, uint64(5), records[0].Size)
		}
	})

	t.Run("PUT compressed blob", func(t *testing.T) {
		contents := []byte("compressed on the way in")

		var b bytes.Buffer
		wc, err := compression.NewCompressor(&b, "gzip")
		require.NoError(t, err)
		_, err = wc.Write(contents)
		require.NoError(t, err)
		require.NoError(t, wc.Close())

		req := httptest.NewRequest("PUT", "/v1/new", &b)
		req.Header.Set("Content-Encoding", "gzip")
		resp := do(t, s.Handler, req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ur uploadResponse
		require.NoError(t, json.Unmarshal(readBody(t, resp), &ur))

		// content-addressed by the uncompressed contents
		resp = do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+ur.ID, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, contents, readBody(t, resp))
	})

	t.Run("PUT unsupported content encoding", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/v1/new", bytes.NewReader(tdHello.Contents))
		req.Header.Set("Content-Encoding", "deflate")
		resp := do(t, s.Handler, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("PUT aborted", func(t *testing.T) {
		body := &test.FailingReader{Contents: []byte("par"), Err: io.ErrUnexpectedEOF}
		resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new", body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "abort", strings.TrimSpace(string(readBody(t, resp))))

		_, _, err := blobStore.Resolve(context.Background(), hashing.Sum([]byte("par")), "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PUT too large", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new", bytes.NewReader(make([]byte, 2048))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("PUT with name", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new/hello.txt", bytes.NewReader(tdHello.Contents)))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ur uploadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ur))
		assert.Equal(t, uploadResponse{ID: tdHello.Digest, Size: 5, Name: "hello.txt"}, ur)

		records, err := indexStore.GetRecords(context.Background(), tdHello.Digest)
		require.NoError(t, err)
		var names []string
		for _, record := range records {
			names = append(names, record.Name)
		}
		assert.Contains(t, names, "hello.txt")
	})

	t.Run("named retrieval routes don't exist", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", blobPath+"/hello.txt", nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestCorruptBlob checks a blob that doesn't match its digest anymore never reaches a client complete.
func TestCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	blobStore, err := blobstore.NewFileStore(dir, blobstore.FileStoreOptions{
		Layout:      blobstore.LayoutFlat,
		VerifyReads: true,
	})
	require.NoError(t, err)

	s := server.NewServer(blobStore, indexstore.NewMemoryStore(), 0)
	defer s.Close()
	ts := httptest.NewServer(s.Handler)
	defer ts.Close()

	tdHello := test.GetTestDataTable()["hello"]
	tdLarge := test.GetTestDataTable()["large"]
	for _, td := range []test.Data{tdHello, tdLarge} {
		_, err = blobstore.Ingest(context.Background(), blobStore, "", bytes.NewReader(td.Contents), 0)
		require.NoError(t, err)

		corrupted := bytes.Clone(td.Contents)
		corrupted[0] ^= 0xff
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dumps", td.Digest), corrupted, 0o644))
	}

	t.Run("uncompressed", func(t *testing.T) {
		for _, td := range []test.Data{tdHello, tdLarge} {
			resp, err := ts.Client().Get(ts.URL + "/v1/files/" + td.Digest)
			require.NoError(t, err)
			_, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "body is cut short")
		}
	})

	t.Run("gzip", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/v1/files/" + tdHello.Digest + "?compression=gzip")
		require.NoError(t, err)
		defer resp.Body.Close()

		gr, err := compression.NewDecompressor(resp.Body, "gzip")
		require.NoError(t, err)
		defer gr.Close()
		_, err = io.ReadAll(gr)
		assert.Error(t, err, "compressed stream is incomplete")
	})

	t.Run("empty file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dumps", tdHello.Digest), nil, 0o644))

		resp, err := ts.Client().Get(ts.URL + "/v1/files/" + tdHello.Digest)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

// TestNamed tests the handler with blobs addressed by digest and name.
func TestNamed(t *testing.T) {
	blobStore := blobstore.NewMemoryStore(blobstore.LayoutNamed, 0)
	indexStore := indexstore.NewMemoryStore()

	s := server.NewServer(blobStore, indexStore, 0)
	defer s.Close()

	tdReport := test.GetTestDataTable()["report"]

	t.Run("PUT blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new/report.csv", bytes.NewReader(tdReport.Contents)))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ur uploadResponse
		require.NoError(t, json.Unmarshal(readBody(t, resp), &ur))
		assert.Equal(t, uploadResponse{ID: tdReport.Digest, Size: 4, Name: "report.csv"}, ur)
	})

	t.Run("GET blob", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+tdReport.Digest+"/report.csv", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, tdReport.Contents, readBody(t, resp))
	})

	t.Run("GET blob with other name", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+tdReport.Digest+"/other.csv", nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("GET blob without name", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+tdReport.Digest, nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("PUT invalid name", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new/..", bytes.NewReader(tdReport.Contents)))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GET info lists all names", func(t *testing.T) {
		resp := do(t, s.Handler, httptest.NewRequest("POST", "/v1/new/copy.csv", bytes.NewReader(tdReport.Contents)))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = do(t, s.Handler, httptest.NewRequest("GET", "/v1/info/"+tdReport.Digest, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var records []*indexstore.Record
		require.NoError(t, json.Unmarshal(readBody(t, resp), &records))
		if assert.Len(t, records, 2) {
			assert.Equal(t, "copy.csv", records[0].Name)
			assert.Equal(t, "report.csv", records[1].Name)
		}
	})
}

// brokenIndexStore fails every operation.
type brokenIndexStore struct {
	indexstore.MemoryStore
}

func (b *brokenIndexStore) PutRecord(ctx context.Context, record *indexstore.Record) error {
	return errors.New("index is broken")
}

func (b *brokenIndexStore) GetRecords(ctx context.Context, digest string) ([]*indexstore.Record, error) {
	return nil, errors.New("index is broken")
}

func TestIndexFailure(t *testing.T) {
	blobStore := blobstore.NewMemoryStore(blobstore.LayoutFlat, 0)
	s := server.NewServer(blobStore, &brokenIndexStore{}, 0)
	defer s.Close()

	tdHello := test.GetTestDataTable()["hello"]

	resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new", bytes.NewReader(tdHello.Contents)))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the blob is committed, even if it can't be indexed")

	resp = do(t, s.Handler, httptest.NewRequest("GET", "/v1/files/"+tdHello.Digest, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, s.Handler, httptest.NewRequest("GET", "/v1/info/"+tdHello.Digest, nil))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestLargeUpload(t *testing.T) {
	blobStore, err := blobstore.NewFileStore(t.TempDir(), blobstore.FileStoreOptions{Layout: blobstore.LayoutNamed})
	require.NoError(t, err)
	s := server.NewServer(blobStore, indexstore.NewMemoryStore(), 4096)
	defer s.Close()

	tdLarge := test.GetTestDataTable()["large"]

	resp := do(t, s.Handler, httptest.NewRequest("PUT", "/v1/new/"+tdLarge.Name, bytes.NewReader(tdLarge.Contents)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, s.Handler, httptest.NewRequest("GET", fmt.Sprintf("/v1/files/%s/%s", tdLarge.Digest, tdLarge.Name), nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("%d", len(tdLarge.Contents)), resp.Header.Get("Content-Length"))
	assert.Equal(t, tdLarge.Contents, readBody(t, resp))
}
