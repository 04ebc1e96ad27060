// Package firmware drives firmware updates of child devices.
//
// A request arrives as a firmware_update command addressed to a child
// device. The actor downloads the image once into a content-addressed
// cache, publishes it through the file transfer service and sends a
// firmware_flash work order to the child. Many updates run concurrently,
// one per (child, operation id) key.
//
// Every in-flight operation is persisted before its work order is sent.
// On restart each stored operation is resent with an incremented attempt
// counter, so children must treat repeated work orders for the same
// operation id as idempotent.
package firmware
