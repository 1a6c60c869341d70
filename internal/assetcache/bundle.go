package assetcache

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
)

// File is one record of a bundle.
type File struct {
	Path string
	Data []byte
}

// EncodeBundle serializes files as a record stream:
// uint16 LE path length, path, uint32 LE content length, content.
func EncodeBundle(files []File) []byte {
	size := 0
	for _, f := range files {
		size += 6 + len(f.Path) + len(f.Data)
	}
	buf := make([]byte, 0, size)
	for _, f := range files {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Path)))
		buf = append(buf, f.Path...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Data)))
		buf = append(buf, f.Data...)
	}
	return buf
}

// Pack encodes files and zstd-compresses the stream, producing a bundle payload.
func Pack(files []File) ([]byte, error) {
	for _, f := range files {
		if len(f.Path) > math.MaxUint16 || uint64(len(f.Data)) > math.MaxUint32 {
			return nil, fmt.Errorf("bundle record %q too large", f.Path)
		}
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(EncodeBundle(files), nil), nil
}

// walkRecords calls fn for each complete record in data. It returns truncated=true if
// the stream ended inside a record.
func walkRecords(data []byte, fn func(path string, content []byte) error) (truncated bool, err error) {
	for len(data) > 0 {
		if len(data) < 2 {
			return true, nil
		}
		pathLen := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < pathLen+4 {
			return true, nil
		}
		path := string(data[:pathLen])
		data = data[pathLen:]
		contentLen := uint64(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if uint64(len(data)) < contentLen {
			return true, nil
		}
		if err := fn(path, data[:contentLen]); err != nil {
			return false, err
		}
		data = data[contentLen:]
	}
	return false, nil
}

// localPath maps a record path to a path relative to the bundle directory. It
// returns false for paths that would escape it.
func localPath(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	rel := filepath.FromSlash(p)
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Clean(rel), true
}

// Fingerprint returns the CIDv1 (raw, sha2-256) of data.
func Fingerprint(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
