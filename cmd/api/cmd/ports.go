package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/melih/termfleet/internal/config"
	"github.com/melih/termfleet/internal/core/services"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Print the live container to port table",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	runtime, err := connectRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer runtime.Close()

	active, err := services.NewStateReader(runtime, log).ActiveList(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER ID\tNAME\tPORT")
	for _, c := range active {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.ID, c.Name, c.Port)
	}
	return w.Flush()
}
