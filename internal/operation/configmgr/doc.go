// Package configmgr serves the config_snapshot and config_update
// operations of the main device.
//
// Each configuration type names one file on the device. A snapshot uploads
// the file to the URL given by the requester; an update downloads a new
// version next to the file and renames it into place.
package configmgr
