package cache

import (
	"path/filepath"
	"testing"
)

func TestSQLiteCache_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("new sqlite cache: %v", err)
	}

	rec := CacheRecord{
		Buckets: map[Bucket]map[string][]byte{
			BucketHomeData:       {"h1": []byte("home-blob")},
			BucketDeviceFeatures: {"d1": []byte("features-blob")},
		},
		PreferredVersion: map[string]string{"d1": "1.0"},
	}
	if err := c.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Buckets[BucketHomeData]["h1"]) != "home-blob" {
		t.Fatalf("unexpected home data bucket: %+v", got.Buckets[BucketHomeData])
	}
	if string(got.Buckets[BucketDeviceFeatures]["d1"]) != "features-blob" {
		t.Fatalf("unexpected device features bucket: %+v", got.Buckets[BucketDeviceFeatures])
	}
	if got.PreferredVersion["d1"] != "1.0" {
		t.Fatalf("unexpected preferred version: %+v", got.PreferredVersion)
	}
}

func TestSQLiteCache_SaveOverwritesExistingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("new sqlite cache: %v", err)
	}

	first := CacheRecord{Buckets: map[Bucket]map[string][]byte{BucketNetworkInfo: {"d1": []byte("v1")}}}
	if err := c.Save(first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := CacheRecord{Buckets: map[Bucket]map[string][]byte{BucketNetworkInfo: {"d1": []byte("v2")}}}
	if err := c.Save(second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Buckets[BucketNetworkInfo]["d1"]) != "v2" {
		t.Fatalf("expected overwritten value v2, got %q", got.Buckets[BucketNetworkInfo]["d1"])
	}
}

func TestSQLiteCache_PreferredVersionHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("new sqlite cache: %v", err)
	}
	if _, ok := c.PreferredVersion("unknown"); ok {
		t.Fatal("expected no preferred version for unknown duid")
	}
	if err := c.SetPreferredVersion("d1", "L01"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := c.PreferredVersion("d1")
	if !ok || v != "L01" {
		t.Fatalf("expected L01, got %q ok=%v", v, ok)
	}
}
