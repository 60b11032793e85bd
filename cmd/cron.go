package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/store"
)

func cronCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cron",
		Short: "Inspect scheduled jobs",
	}
	c.AddCommand(cronListCmd())
	return c
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every scheduled job and its next run time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dataDir := config.ExpandHome(filepath.Dir(cfg.Sessions.Storage))
			cronStore, err := openCronStore(dataDir)
			if err != nil {
				return err
			}
			jobs, err := cronStore.LoadJobs()
			if err != nil {
				return fmt.Errorf("load cron jobs: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tTARGET\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				next := "-"
				if j.NextRunAtMs > 0 {
					next = time.UnixMilli(j.NextRunAtMs).Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Enabled, j.ScheduleKind, j.Target, next, j.LastStatus)
			}
			return w.Flush()
		},
	}
}

func openCronStore(dataDir string) (store.CronStore, error) {
	stores, err := store.NewFileStores(store.StoreConfig{Mode: "file", DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	return stores.Cron, nil
}
