package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackkit-dev/stackkit/internal/devserver"
	"github.com/stackkit-dev/stackkit/internal/reload"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show the ports of the running dev server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		lease, err := devserver.ReadLease(projectDir)
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "no dev server running")
			return nil
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "http    http://%s\n", reload.LocalAddr(lease.HTTPPort))
		fmt.Fprintf(out, "reload  %s\n", reload.LocalAddr(lease.IPCPort))
		fmt.Fprintf(out, "pid     %d (since %s)\n", lease.PID, lease.StartedAt.Local().Format("15:04:05"))
		return nil
	},
}
