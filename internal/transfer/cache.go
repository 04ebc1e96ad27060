package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// cacheDomainKey is the BLAKE3 key of cache entry names: the ASCII domain
// name zero-padded to 32 bytes.
var cacheDomainKey = [32]byte{
	'g', 'r', 'a', 'y', 'l', 'o', 'g', 'i', 'c', '.', 'a', 'g', 'e', 'n', 't', '.',
	'c', 'a', 'c', 'h', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// CacheKey returns the cache entry name of a source URL.
func CacheKey(sourceURL string) string {
	hasher, err := blake3.NewKeyed(cacheDomainKey[:])
	if err != nil {
		// Only a key of the wrong length fails.
		panic("transfer: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(sourceURL)) //nolint:errcheck // hash.Hash never fails
	return hex.EncodeToString(hasher.Sum(nil))
}

// Cache is a directory of downloaded artifacts named by CacheKey.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the path of the entry for key, whether it exists or not.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key)
}

// Lookup returns the path of an existing entry or ErrCacheMiss.
func (c *Cache) Lookup(key string) (string, error) {
	p := c.Path(key)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("checking cache entry: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("cache entry %s is not a regular file", key)
	}
	return p, nil
}

// Adopt moves a file into the cache under key. A file already at the
// entry path is left as is.
func (c *Cache) Adopt(src, key string) (string, error) {
	dst := c.Path(key)
	if src == dst {
		return dst, nil
	}
	if err := os.MkdirAll(c.dir, dirPermissions); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("moving %s into cache: %w", src, err)
	}
	return dst, nil
}

// Remove deletes an entry. A missing entry is not an error.
func (c *Cache) Remove(key string) error {
	err := os.Remove(c.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	return nil
}

// Publish makes a cache entry reachable below the file transfer root by a
// symlink at root/<path...>. An existing symlink is kept.
func (c *Cache) Publish(key, root string, path ...string) (string, error) {
	link := filepath.Join(append([]string{root}, path...)...)
	if info, err := os.Lstat(link); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return link, nil
	}
	if err := os.MkdirAll(filepath.Dir(link), dirPermissions); err != nil {
		return "", fmt.Errorf("creating file transfer directory: %w", err)
	}
	if err := os.Symlink(c.Path(key), link); err != nil {
		return "", fmt.Errorf("linking cache entry: %w", err)
	}
	return link, nil
}

// FileTransferURL returns the URL under which the agent's file transfer
// service serves path, e.g.
// http://127.0.0.1:8000/te/v1/files/child1/firmware_update/<key>.
func FileTransferURL(host string, path ...string) string {
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = url.PathEscape(p)
	}
	return "http://" + host + "/te/v1/files/" + strings.Join(escaped, "/")
}
