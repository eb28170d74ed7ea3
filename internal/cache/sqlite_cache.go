package cache

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/roborock-go/rrcore/internal/errs"
)

type cacheRow struct {
	ID     uint   `gorm:"primaryKey"`
	Bucket string `gorm:"uniqueIndex:idx_bucket_duid"`
	DUID   string `gorm:"uniqueIndex:idx_bucket_duid"`
	Data   []byte
}

type preferredVersionRow struct {
	DUID    string `gorm:"primaryKey"`
	Version string
}

// SQLiteCache persists a CacheRecord across one row per (bucket, duid) plus
// one row per device's preferred local protocol version.
type SQLiteCache struct {
	db *gorm.DB
}

func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "open sqlite cache", err)
	}
	if err := db.AutoMigrate(&cacheRow{}, &preferredVersionRow{}); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "migrate sqlite cache schema", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Load() (CacheRecord, error) {
	var rows []cacheRow
	if err := c.db.Find(&rows).Error; err != nil {
		return emptyRecord(), errs.Wrap(errs.KindCacheCorrupt, "load sqlite cache rows", err)
	}

	rec := emptyRecord()
	for _, row := range rows {
		b := Bucket(row.Bucket)
		if rec.Buckets[b] == nil {
			rec.Buckets[b] = make(map[string][]byte)
		}
		rec.Buckets[b][row.DUID] = row.Data
	}

	var pv []preferredVersionRow
	if err := c.db.Find(&pv).Error; err != nil {
		return rec, errs.Wrap(errs.KindCacheCorrupt, "load preferred versions", err)
	}
	for _, p := range pv {
		rec.PreferredVersion[p.DUID] = p.Version
	}
	return rec, nil
}

func (c *SQLiteCache) Save(rec CacheRecord) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		for bucket, byDUID := range rec.Buckets {
			for duid, data := range byDUID {
				row := cacheRow{Bucket: string(bucket), DUID: duid}
				if err := tx.Where("bucket = ? AND duid = ?", row.Bucket, row.DUID).
					Assign(cacheRow{Data: data}).
					FirstOrCreate(&row).Error; err != nil {
					return err
				}
			}
		}
		for duid, version := range rec.PreferredVersion {
			row := preferredVersionRow{DUID: duid}
			if err := tx.Where("duid = ?", duid).
				Assign(preferredVersionRow{Version: version}).
				FirstOrCreate(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *SQLiteCache) PreferredVersion(duid string) (string, bool) {
	var row preferredVersionRow
	if err := c.db.Where("duid = ?", duid).First(&row).Error; err != nil {
		return "", false
	}
	return row.Version, true
}

func (c *SQLiteCache) SetPreferredVersion(duid, version string) error {
	row := preferredVersionRow{DUID: duid}
	return c.db.Where("duid = ?", duid).
		Assign(preferredVersionRow{Version: version}).
		FirstOrCreate(&row).Error
}
