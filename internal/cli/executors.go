package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newExecutorsCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "executors",
		Short: "List the executors available with the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := buildRegistry(a.cfg, a.logger)
			if err != nil {
				return err
			}
			infos := reg.List()

			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tREMOTE\tDEFAULT\tDESCRIPTION")
			for _, info := range infos {
				def := ""
				if info.Kind == a.cfg.Executor {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
					info.Kind, info.Capabilities.Name, info.Capabilities.Remote, def, info.Capabilities.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the executors as JSON")
	return cmd
}
