package buildopt

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// CacheStore persists cache entries across process restarts as an
// optional on-disk cache index. Rows are content-addressed: the bbolt
// key is the SHA-256 of (source hash, defines hash, toolchain version),
// so the same output path built with different defines or a different
// toolchain occupies a distinct row instead of overwriting.
type CacheStore struct {
	db *bolt.DB
}

const (
	bucketCacheEntries = "cache_entries"
	bucketMetadata     = "metadata"
)

// persistedEntry is the JSON-on-disk shape of one cache row; it
// carries the source and output paths alongside the entry so LoadAll
// can reconstruct a CacheKey without a second index.
type persistedEntry struct {
	SourcePath        string `json:"source_path"`
	OutputPath        string `json:"output_path"`
	SourceHash        string `json:"source_hash"`
	DefinesHash       string `json:"defines_hash"`
	ToolchainVersion  string `json:"toolchain_version"`
	CompileDurationNs int64  `json:"compile_duration_ns"`
	CreatedAtNs       int64  `json:"created_at_ns"`
	Valid             bool   `json:"valid"`
}

// NewCacheStore opens (creating if absent) a bbolt-backed cache index
// at dbPath.
func NewCacheStore(dbPath string) (*CacheStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.IoError, "open cache store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketCacheEntries)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketMetadata))
		return err
	})
	if err != nil {
		db.Close()
		return nil, pkgerr.Wrap(pkgerr.IoError, "create cache store buckets", err)
	}
	return &CacheStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// entryRowKey derives the content-addressed row key from the entry's
// source hash, preprocessor-defines hash, and toolchain version.
func entryRowKey(entry CacheEntry) []byte {
	return []byte(clock.HashBytes([]byte(entry.SourceHash + "\x00" + entry.DefinesHash + "\x00" + entry.ToolchainVersion)))
}

// Put persists a single cache entry. Entries unreadable at startup are
// ignored, not fatal, but write-side errors are still surfaced, since
// that guarantee only covers reads.
func (s *CacheStore) Put(key CacheKey, entry CacheEntry) error {
	row := persistedEntry{
		SourcePath:        key.SourcePath,
		OutputPath:        key.OutputPath,
		SourceHash:        entry.SourceHash,
		DefinesHash:       entry.DefinesHash,
		ToolchainVersion:  entry.ToolchainVersion,
		CompileDurationNs: entry.CompileDurationNs,
		CreatedAtNs:       entry.CreatedAtNs,
		Valid:             entry.Valid,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return pkgerr.Wrap(pkgerr.InvalidArgument, "marshal cache entry", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCacheEntries))
		if bucket == nil {
			return fmt.Errorf("cache_entries bucket missing")
		}
		return bucket.Put(entryRowKey(entry), data)
	})
}

// Delete removes a persisted entry, if present. The entry's hashes are
// needed to recompute its content-addressed row key.
func (s *CacheStore) Delete(entry CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCacheEntries))
		if bucket == nil {
			return fmt.Errorf("cache_entries bucket missing")
		}
		return bucket.Delete(entryRowKey(entry))
	})
}

// LoadAll reconstructs persisted entries into the in-memory Cache,
// skipping rows that fail to unmarshal rather than failing startup.
// When several content-addressed rows describe the same (source,
// output) pair — earlier builds with other defines or toolchains — the
// newest by creation timestamp wins.
func (s *CacheStore) LoadAll(into *Cache) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCacheEntries))
		if bucket == nil {
			return fmt.Errorf("cache_entries bucket missing")
		}
		return bucket.ForEach(func(_, v []byte) error {
			var row persistedEntry
			if err := json.Unmarshal(v, &row); err != nil {
				return nil // ignore unreadable entries, not fatal
			}
			key := CacheKey{SourcePath: row.SourcePath, OutputPath: row.OutputPath}
			loaded := CacheEntry{
				SourceHash:        row.SourceHash,
				DefinesHash:       row.DefinesHash,
				ToolchainVersion:  row.ToolchainVersion,
				CompileDurationNs: row.CompileDurationNs,
				CreatedAtNs:       row.CreatedAtNs,
				Valid:             row.Valid,
			}
			into.mu.Lock()
			if existing, ok := into.entries[key]; ok {
				if loaded.CreatedAtNs > existing.CreatedAtNs {
					*existing = loaded
				}
				into.mu.Unlock()
				return nil
			}
			entry := loaded
			into.entries[key] = &entry
			into.creation = append(into.creation, key)
			into.outputToSource[key.OutputPath] = key.SourcePath
			into.mu.Unlock()
			return nil
		})
	})
}

// SetLastBuildTime records the last time a module successfully built,
// for host-side reporting.
func (s *CacheStore) SetLastBuildTime(moduleName string, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMetadata))
		if bucket == nil {
			return fmt.Errorf("metadata bucket missing")
		}
		data, err := t.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte("last_build_"+moduleName), data)
	})
}

// GetLastBuildTime retrieves the last recorded build time for a module.
func (s *CacheStore) GetLastBuildTime(moduleName string) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMetadata))
		if bucket == nil {
			return fmt.Errorf("metadata bucket missing")
		}
		data := bucket.Get([]byte("last_build_" + moduleName))
		if data == nil {
			return nil
		}
		return t.UnmarshalBinary(data)
	})
	return t, err
}
