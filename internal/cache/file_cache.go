package cache

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/roborock-go/rrcore/internal/errs"
)

// FileCache persists one CacheRecord as a single zstd-compressed gob
// envelope, supplementing the forward-compatibility requirement with a
// format that tolerates unknown map keys on both read and write.
type FileCache struct {
	mu   sync.Mutex
	path string
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load() (CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyRecord(), nil
		}
		return emptyRecord(), errs.Wrap(errs.KindCacheCorrupt, "read cache file", err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return emptyRecord(), errs.Wrap(errs.KindCacheCorrupt, "open zstd reader", err)
	}
	defer zr.Close()

	var rec CacheRecord
	if err := gob.NewDecoder(zr).Decode(&rec); err != nil {
		return emptyRecord(), errs.Wrap(errs.KindCacheCorrupt, "decode cache gob", err)
	}
	if rec.Buckets == nil {
		rec.Buckets = make(map[Bucket]map[string][]byte)
	}
	if rec.PreferredVersion == nil {
		rec.PreferredVersion = make(map[string]string)
	}
	return rec, nil
}

func (c *FileCache) Save(rec CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "open zstd writer", err)
	}
	if err := gob.NewEncoder(zw).Encode(rec); err != nil {
		zw.Close()
		return errs.Wrap(errs.KindFatal, "encode cache gob", err)
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.KindFatal, "flush zstd writer", err)
	}
	if err := os.WriteFile(c.path, buf.Bytes(), 0o600); err != nil {
		return errs.Wrap(errs.KindFatal, "write cache file", err)
	}
	return nil
}

func (c *FileCache) PreferredVersion(duid string) (string, bool) {
	rec, err := c.Load()
	if err != nil {
		return "", false
	}
	v, ok := rec.PreferredVersion[duid]
	return v, ok
}

func (c *FileCache) SetPreferredVersion(duid, version string) error {
	rec, err := c.Load()
	if err != nil {
		rec = emptyRecord()
	}
	rec.PreferredVersion[duid] = version
	return c.Save(rec)
}
