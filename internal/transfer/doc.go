// Package transfer moves files between the device and remote servers.
//
// HTTPClient implements the Downloader and Uploader collaborators used by
// the operation actors. Transfers are retried with exponential backoff on
// network errors and server errors; client errors fail at once. Downloads
// are written to a temporary file and renamed into place, so a partial
// download is never visible.
//
// Cache is the content-addressed store of downloaded artifacts. Entries
// are named by a keyed BLAKE3 hash of the source URL, so requests for the
// same URL share one download.
package transfer
