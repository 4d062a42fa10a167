package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/comlink/conn"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device>",
	Short: "Stream incoming serial data",
	Long: `Connect to a serial device and print incoming data as it arrives,
prefixed with the arrival timestamp.

With --reconnect, an abrupt link loss (cable pulled, adapter removed)
triggers an automatic reconnect loop instead of exiting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorBaud      int
	monitorProfile   string
	monitorHex       bool
	monitorReconnect bool
)

func init() {
	monitorCmd.Flags().IntVarP(&monitorBaud, "baud", "b", 0, "Baud rate (default 9600)")
	monitorCmd.Flags().StringVarP(&monitorProfile, "profile", "p", "", "YAML connection profile")
	monitorCmd.Flags().BoolVar(&monitorHex, "hex", false, "Print data as hex instead of text")
	monitorCmd.Flags().BoolVarP(&monitorReconnect, "reconnect", "r", false, "Reconnect automatically on link loss")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := conn.DefaultConfig()
	if monitorProfile != "" {
		cfg, err = loadProfile(monitorProfile)
		if err != nil {
			return err
		}
	}
	if len(args) == 1 {
		cfg.Port = args[0]
	}
	if cfg.Port == "" {
		return fmt.Errorf("no device given: pass one as an argument or set it in the profile")
	}
	if monitorBaud != 0 {
		cfg.BaudRate = monitorBaud
	}
	cfg.Logger = logger
	cfg.NotifyOnDisconnect = true
	if cfg.Timeout == conn.Forever {
		// The loop needs periodic wakeups to notice Ctrl+C.
		cfg.Timeout = time.Second
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	cn, err := conn.New(cfg)
	if err != nil {
		return err
	}

	lost := make(chan error, 1)
	cn.OnDisconnect(func(cause error) {
		select {
		case lost <- cause:
		default:
		}
	})

	if err := cn.Connect(); err != nil {
		return err
	}
	defer func() { _ = cn.Disconnect() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	stamp := color.New(color.FgCyan)
	warn := color.New(color.FgYellow)
	fmt.Printf("Monitoring %s at %d baud (Ctrl+C to stop)\n", cfg.Port, cfg.BaudRate)

	mark := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cause := <-lost:
			warn.Fprintf(os.Stderr, "link lost: %v\n", cause)
			if !monitorReconnect {
				return fmt.Errorf("connection to %s lost", cfg.Port)
			}
			ok, err := cn.Reconnect(ctx, nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("could not reconnect to %s", cfg.Port)
			}
			warn.Fprintln(os.Stderr, "reconnected")
			mark = time.Now()
		default:
		}

		rec, err := cn.GetNew(mark)
		if err != nil {
			// Disconnected mid-wait; loop around to pick up the loss event.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if rec == nil {
			continue // wait timed out, nothing new
		}
		mark = rec.At

		stamp.Printf("[%s] ", rec.At.Format("15:04:05.000"))
		if monitorHex {
			fmt.Println(hex.EncodeToString(rec.Data))
		} else {
			fmt.Println(strings.TrimRight(string(rec.Data), "\r\n"))
		}
	}
}
