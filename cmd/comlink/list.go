package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/comlink/internal/serialport"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available serial ports",
	Long: `Enumerate the serial devices present on the system.

A device is listed only when the kernel exposes it under /sys/class/tty,
which filters out the phantom ttyS nodes that exist as /dev entries but
have no hardware behind them.`,
	RunE: runList,
}

var listFormat string

func init() {
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "Output format (table, json)")
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", listFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ports, err := serialport.ListPorts()
	if err != nil {
		logger.WithError(err).Error("port enumeration failed")
		return err
	}

	if ports.Len() == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	if listFormat == "json" {
		infos := make([]serialport.PortInfo, 0, ports.Len())
		for pair := ports.Oldest(); pair != nil; pair = pair.Next() {
			infos = append(infos, pair.Value)
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)
	}

	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tDRIVER")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	for pair := ports.Oldest(); pair != nil; pair = pair.Next() {
		driver := pair.Value.Driver
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", pair.Value.Device, driver)
	}
	return w.Flush()
}
