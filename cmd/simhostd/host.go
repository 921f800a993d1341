package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spin-stack/simhost/internal/paths"
	"github.com/spin-stack/simhost/internal/records"
	"github.com/spin-stack/simhost/internal/vm"
)

// The host commands open the database directly and wait for the bolt file
// lock, so they are meant to run while the daemon is stopped.
func hostCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage simulated hosts",
	}
	cmd.AddCommand(hostAddCmd(gf), hostListCmd(gf))
	return cmd
}

func hostAddCmd(gf *globalFlags) *cobra.Command {
	var guid, name string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a simulated host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			recs, err := records.Open(paths.DBPath(cfg.Paths))
			if err != nil {
				return err
			}
			defer recs.Close()

			if guid == "" {
				guid = uuid.NewString()
			}
			host, err := recs.PersistHost(cmd.Context(), &vm.Host{GUID: guid, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", host.ID, host.GUID)
			return nil
		},
	}
	cmd.Flags().StringVar(&guid, "guid", "", "Host GUID (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Host display name")
	return cmd
}

func hostListCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List simulated hosts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			recs, err := records.Open(paths.DBPath(cfg.Paths))
			if err != nil {
				return err
			}
			defer recs.Close()

			hosts, err := recs.ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tGUID\tNAME\tVMS")
			for _, h := range hosts {
				vms, err := recs.FindVMsByHost(cmd.Context(), h.GUID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", h.ID, h.GUID, h.Name, len(vms))
			}
			return tw.Flush()
		},
	}
}
