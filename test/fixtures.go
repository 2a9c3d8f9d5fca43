// Package test provides blobs used throughout the tests.
package test

import (
	"crypto/sha256"
	"encoding/hex"
)

// HelloDigest is the well-known sha256 digest of "hello".
const HelloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type Data struct {
	// Name is the name the blob is uploaded with in the named layout.
	Name     string
	Contents []byte
	// Digest is the hex encoded sha256 digest of Contents.
	Digest string
}

type DataTable map[string]Data

// GetTestDataTable returns test blobs:
// hello is the 5 bytes "hello".
// report is the 4 bytes "data", named "report.csv".
// empty has no contents at all.
// large is big enough to span many chunks.
func GetTestDataTable() DataTable {
	testDataT := make(DataTable, 4)

	large := make([]byte, 1024*1024+17)
	for i := range large {
		large[i] = byte(i*7 + i/251)
	}

	for _, item := range []struct {
		key      string
		name     string
		contents []byte
	}{
		{key: "hello", name: "hello.txt", contents: []byte("hello")},
		{key: "report", name: "report.csv", contents: []byte("data")},
		{key: "empty", name: "empty", contents: []byte{}},
		{key: "large", name: "large.bin", contents: large},
	} {
		digest := sha256.Sum256(item.contents)
		testDataT[item.key] = Data{
			Name:     item.name,
			Contents: item.contents,
			Digest:   hex.EncodeToString(digest[:]),
		}
	}

	return testDataT
}

// FailingReader returns its contents, and then Err instead of io.EOF.
// It simulates a byte stream breaking off mid-transfer.
type FailingReader struct {
	Contents []byte
	Err      error
	offset   int
}

func (fr *FailingReader) Read(p []byte) (int, error) {
	if fr.offset >= len(fr.Contents) {
		return 0, fr.Err
	}
	n := copy(p, fr.Contents[fr.offset:])
	fr.offset += n
	return n, nil
}
