package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/devsync/internal/config"
	"github.com/basket/devsync/internal/doctor"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, definitions, journal and backend reachability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfgPtr *config.Config
		cfg, loadErr := loadConfig()
		if loadErr == nil {
			cfgPtr = &cfg
		}
		d := doctor.Run(cmd.Context(), cfgPtr, loadErr)

		if doctorJSON {
			if err := printJSON(cmd.OutOrStdout(), d); err != nil {
				return err
			}
		} else {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range d.Results {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Status, r.Name, r.Message)
				if r.Detail != "" {
					fmt.Fprintf(tw, "\t\t%s\n", r.Detail)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
		if d.Failed() {
			return errors.New("one or more checks failed")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the diagnosis as JSON")
}
