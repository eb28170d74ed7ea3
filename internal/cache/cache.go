// Package cache implements the pluggable device-state cache: networking
// info, home data, device features, trait data, and home map data/content,
// plus the per-device preferred local protocol version.
package cache

// Bucket names one field of a CacheRecord, mirroring the column layout the
// SQLite backend uses.
type Bucket string

const (
	BucketNetworkInfo    Bucket = "network_info"
	BucketHomeData       Bucket = "home_data"
	BucketDeviceFeatures Bucket = "device_features"
	BucketTraitData      Bucket = "trait_data"
	BucketHomeMapInfo    Bucket = "home_map_info"
	BucketHomeMapContent Bucket = "home_map_content"
)

// CacheRecord is the full persisted snapshot. Each bucket holds an opaque,
// caller-serialized blob per duid — the cache package doesn't know or care
// about the shape of NetworkInfo/HomeData/etc, keeping it decoupled from
// the packages that produce them. Unknown buckets/duids round-trip
// untouched, keeping the format forward-compatible.
type CacheRecord struct {
	Buckets          map[Bucket]map[string][]byte
	PreferredVersion map[string]string // duid -> "1.0" | "L01"
}

func emptyRecord() CacheRecord {
	return CacheRecord{
		Buckets:          make(map[Bucket]map[string][]byte),
		PreferredVersion: make(map[string]string),
	}
}

// Cache is the pluggable persistence contract. Implementations must treat
// corrupt/unreadable bytes as a recoverable condition: return
// errs.CacheCorrupt alongside an empty record rather than failing hard.
type Cache interface {
	Load() (CacheRecord, error)
	Save(CacheRecord) error

	// PreferredVersion returns the last local protocol version that
	// successfully handshook with duid, if any.
	PreferredVersion(duid string) (version string, ok bool)
	SetPreferredVersion(duid, version string) error
}
