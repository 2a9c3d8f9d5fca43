// Package client talks to a casdump server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/flokli/casdump/pkg/server/compression"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/store/indexstore"
)

// Client is a client for a single casdump server.
type Client struct {
	url        *url.URL // assumes the URL doesn't end with '/'
	httpClient *http.Client
}

// New returns a Client for the server at serverURL.
// If httpClient is nil, http.DefaultClient is used.
func New(serverURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		url:        u,
		httpClient: httpClient,
	}, nil
}

// getURL composes the path with the prefix to return an URL.
func (c *Client) getURL(elem ...string) string {
	escaped := make([]string, 0, len(elem)+2)
	escaped = append(escaped, "/", c.url.Path)
	for _, e := range elem {
		escaped = append(escaped, url.PathEscape(e))
	}

	x := *c.url
	x.RawPath = path.Join(escaped...)
	x.Path, _ = url.PathUnescape(x.RawPath)
	return x.String()
}

func (c *Client) blobURL(digest, name string) string {
	if name == "" {
		return c.getURL("v1", "files", digest)
	}
	return c.getURL("v1", "files", digest, name)
}

// URL returns the server URL
func (c *Client) URL() string {
	return c.url.String()
}

// Exists returns true if the blob is on the server.
// err is used for transient issues like networking errors.
func (c *Client) Exists(ctx context.Context, digest, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(digest, name), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("unexpected status '%s'", resp.Status)
}

// Get returns a stream of the blob contents, or an error wrapping store.ErrNotFound.
func (c *Client) Get(ctx context.Context, digest, name string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(digest, name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// Upload streams r to the server, and returns the committed blob.
// name is required if the server uses the named layout.
// If compressionType isn't "none", the request body is compressed on the fly.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, compressionType string) (*blobstore.Blob, error) {
	u := c.getURL("v1", "new")
	if name != "" {
		u = c.getURL("v1", "new", name)
	}

	body := r
	if compressionType != "none" {
		pr, pw := io.Pipe()
		wc, err := compression.NewCompressor(pw, compressionType)
		if err != nil {
			pw.Close()
			return nil, err
		}
		go func() {
			_, err := io.Copy(wc, r)
			closeErr := wc.Close()
			if err == nil {
				err = closeErr
			}
			pw.CloseWithError(err)
		}()
		defer pr.Close()
		body = pr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return nil, err
	}
	if compressionType != "none" {
		req.Header.Set("Content-Encoding", compressionType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var envelope struct {
		ID   string `json:"id"`
		Size uint64 `json:"size"`
		Name string `json:"name"`
	}
	err = json.NewDecoder(resp.Body).Decode(&envelope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse response: %w", err)
	}

	return &blobstore.Blob{
		Digest: envelope.ID,
		Size:   envelope.Size,
		Name:   envelope.Name,
	}, nil
}

// Info returns the index records the server has for a digest.
func (c *Client) Info(ctx context.Context, digest string) ([]*indexstore.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.getURL("v1", "info", digest), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var records []*indexstore.Record
	err = json.NewDecoder(resp.Body).Decode(&records)
	if err != nil {
		return nil, fmt.Errorf("unable to parse response: %w", err)
	}
	return records, nil
}

// responseError turns an unsuccessful response into an error,
// wrapping the store errors the server signalled.
func responseError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", store.ErrTooLarge, msg)
	case http.StatusBadRequest:
		if msg == "abort" {
			return store.ErrUploadAborted
		}
	}
	return fmt.Errorf("unexpected status '%s': %s", resp.Status, msg)
}
