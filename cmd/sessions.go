package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orbiterhq/orbiter/internal/config"
)

func sessionsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect active conversation sessions",
	}
	c.AddCommand(sessionsListCmd())
	return c
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known session key with its creation time and rotation count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			entries, err := stores.Sessions.LoadSessions()
			if err != nil {
				return fmt.Errorf("load sessions: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION KEY\tSESSION ID\tCHANNEL\tCHAT TYPE\tGROUP\tDISPLAY NAME\tCREATED\tROTATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					e.SessionKey, e.SessionID, e.Channel, e.ChatType, e.GroupID, e.DisplayName,
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.RotatedCount)
			}
			return w.Flush()
		},
	}
}
