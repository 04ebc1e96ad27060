// Package process runs short-lived subprocesses on behalf of the agent.
//
// Operation actors use it to call software-management plugins and to ask
// companion binaries for their version. Every command runs in its own
// process group so that cancelling the context stops the command and any
// children it spawned.
//
// Example usage:
//
//	runner := process.NewRunner()
//	res, err := runner.Run(ctx, process.Command{
//	    Name:   "apt plugin",
//	    Binary: "/usr/share/graylogic/sm-plugins/apt",
//	    Args:   []string{"list"},
//	})
package process
