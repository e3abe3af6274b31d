package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/store"
)

// newProvisionCmd edits the provisioning list stored in the database. The
// daemon holds the database lock, so these commands are meant for when it
// is stopped; a running daemon exposes the same operations over HTTP.
func newProvisionCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Manage the SmartStart provisioning list offline",
	}

	var (
		classes  []string
		name     string
		protocol string
		inactive bool
	)
	add := &cobra.Command{
		Use:   "add <dsk>",
		Short: "Add or replace a provisioning entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEntry(args[0], classes, name, protocol, inactive)
			if err != nil {
				return err
			}
			return withList(*cfgPath, func(l *provisioning.List) error {
				if err := l.Upsert(e); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s\n", e.DSK)
				return nil
			})
		},
	}
	add.Flags().StringSliceVar(&classes, "class", []string{"S2_Unauthenticated", "S2_Authenticated"}, "security classes to grant")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&protocol, "protocol", string(provisioning.ProtocolZWave), "zwave or zwave_lr")
	add.Flags().BoolVar(&inactive, "inactive", false, "store the entry without enabling SmartStart for it")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the provisioning list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withList(*cfgPath, func(l *provisioning.List) error {
				return printEntries(cmd.OutOrStdout(), l.All())
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <dsk|node-id>",
		Short: "Remove a provisioning entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withList(*cfgPath, func(l *provisioning.List) error {
				e, err := removeEntry(l, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", e.DSK)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func withList(cfgPath string, fn func(*provisioning.List) error) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store (is the daemon running?): %w", err)
	}
	defer db.Close()

	l, err := provisioning.NewList(db, newLogger(cfg))
	if err != nil {
		return err
	}
	return fn(l)
}

func buildEntry(dsk string, classes []string, name, protocol string, inactive bool) (provisioning.Entry, error) {
	e := provisioning.Entry{
		DSK:      dsk,
		Name:     name,
		Protocol: provisioning.Protocol(protocol),
		Status:   provisioning.StatusActive,
	}
	if inactive {
		e.Status = provisioning.StatusInactive
	}
	for _, s := range classes {
		c, err := security.ParseClass(s)
		if err != nil {
			return provisioning.Entry{}, err
		}
		e.SecurityClasses = append(e.SecurityClasses, c)
	}
	if err := e.Normalize(); err != nil {
		return provisioning.Entry{}, err
	}
	return e, nil
}

// removeEntry accepts either a DSK or a decimal node ID.
func removeEntry(l *provisioning.List, ref string) (provisioning.Entry, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseUint(ref, 10, 16); err == nil {
		return l.RemoveByNodeID(uint16(id))
	}
	return l.Remove(ref)
}

func printEntries(w io.Writer, entries []provisioning.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No provisioning entries.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DSK\tCLASSES\tPROTOCOL\tSTATUS\tNODE\tNAME")
	for _, e := range entries {
		node := "-"
		if e.NodeID != 0 {
			node = strconv.Itoa(int(e.NodeID))
		}
		names := make([]string, len(e.SecurityClasses))
		for i, c := range e.SecurityClasses {
			names[i] = c.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.DSK, strings.Join(names, ","), e.Protocol, e.Status, node, e.Name)
	}
	return tw.Flush()
}
