// Package cache defines the disk-backed store that persists fetched artwork
// under ImageCacheDir/<hash><ext>. There is no index file: presence is
// decided by path existence, and FileName maps a URL to the same name on
// every run so the cache survives restarts. Writes go through a temp file +
// rename so readers never observe a partially written image.
package cache
