// Package software lists and updates the software installed on the main
// device through external plugins.
//
// Unlike the firmware actor, it runs a single operation at a time and does
// not try to resume after a crash: the command being executed is stored
// under a fixed id and, if the agent restarts before it completes, the
// command is reported as failed on the next start.
package software
