package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
	"imagecache/pkg/manifest"
	"imagecache/pkg/reference"
)

// IndexEntry records which manifest a reference resolved to.
type IndexEntry struct {
	Reference string        `json:"reference"`
	Digest    digest.Digest `json:"digest"`
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	StoredAt  time.Time     `json:"storedAt"`
}

type index struct {
	path   string
	tmpDir string
	mutex  sync.RWMutex
}

func (ix *index) loadEntries() ([]IndexEntry, error) {
	data, err := os.ReadFile(ix.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.Cachef("read manifest index: %w", err)
	}

	var entries []IndexEntry
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, errdefs.Cachef("decode manifest index %s: %w", ix.path, err)
		}
	}
	return entries, nil
}

func (ix *index) saveEntries(entries []IndexEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Reference < entries[j].Reference })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errdefs.Cachef("encode manifest index: %w", err)
	}

	tmp := filepath.Join(ix.tmpDir, "index-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return errdefs.Cachef("write manifest index: %w", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		_ = os.Remove(tmp)
		return errdefs.Cachef("replace manifest index: %w", err)
	}
	return nil
}

func (ix *index) lookup(key string) (IndexEntry, bool, error) {
	ix.mutex.RLock()
	defer ix.mutex.RUnlock()

	entries, err := ix.loadEntries()
	if err != nil {
		return IndexEntry{}, false, err
	}
	for _, e := range entries {
		if e.Reference == key {
			return e, true, nil
		}
	}
	return IndexEntry{}, false, nil
}

// Lookup returns the index entry for ref.
func (c *Cache) Lookup(ref reference.Reference) (IndexEntry, error) {
	e, ok, err := c.index.lookup(ref.String())
	if err != nil {
		return IndexEntry{}, err
	}
	if !ok {
		return IndexEntry{}, errdefs.Cachef("manifest for %s: %w", ref, errdefs.ErrNotFound)
	}
	return e, nil
}

// ManifestExists reports whether ref is indexed and its manifest blob is
// present.
func (c *Cache) ManifestExists(ref reference.Reference) bool {
	e, ok, err := c.index.lookup(ref.String())
	if err != nil || !ok {
		return false
	}
	return c.BlobExists(e.Digest, e.Size)
}

// Manifest returns the cached manifest for ref, parsed with the media type it
// was stored under.
func (c *Cache) Manifest(ref reference.Reference) (manifest.Manifest, error) {
	e, err := c.Lookup(ref)
	if err != nil {
		return nil, err
	}
	b, err := c.BlobBytes(e.Digest)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(e.MediaType, b)
	if err != nil {
		return nil, errdefs.Cachef("cached manifest for %s: %w", ref, err)
	}
	return m, nil
}

// AddManifest stores m's bytes as a blob and points ref at it.
func (c *Cache) AddManifest(ref reference.Reference, m manifest.Manifest) error {
	desc := m.Descriptor()
	if _, err := c.AddBlob(desc.Digest, bytes.NewReader(m.Raw())); err != nil {
		return err
	}

	c.index.mutex.Lock()
	defer c.index.mutex.Unlock()

	entries, err := c.index.loadEntries()
	if err != nil {
		return err
	}

	entry := IndexEntry{
		Reference: ref.String(),
		Digest:    desc.Digest,
		MediaType: desc.MediaType,
		Size:      desc.Size,
		StoredAt:  time.Now().UTC(),
	}
	replaced := false
	for i := range entries {
		if entries[i].Reference == entry.Reference {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := c.index.saveEntries(entries); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"ref":    entry.Reference,
		"digest": entry.Digest,
	}).Debug("indexed manifest")
	return nil
}

// Manifests lists the index sorted by reference.
func (c *Cache) Manifests() ([]IndexEntry, error) {
	c.index.mutex.RLock()
	defer c.index.mutex.RUnlock()

	entries, err := c.index.loadEntries()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Reference < entries[j].Reference })
	return entries, nil
}

// RemoveManifest drops ref from the index. The manifest blob stays in place.
func (c *Cache) RemoveManifest(ref reference.Reference) error {
	c.index.mutex.Lock()
	defer c.index.mutex.Unlock()

	entries, err := c.index.loadEntries()
	if err != nil {
		return err
	}

	key := ref.String()
	var kept []IndexEntry
	found := false
	for _, e := range entries {
		if e.Reference == key {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return errdefs.Cachef("manifest for %s: %w", ref, errdefs.ErrNotFound)
	}
	return c.index.saveEntries(kept)
}
