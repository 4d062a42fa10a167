package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/comlink/conn"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device> <data>...",
	Short: "Send a payload to a serial device",
	Long: `Connect to a serial device, send one payload and disconnect.

The data arguments are joined with the separator and sent with the
terminator appended. With --expect, the command then waits for a reply
matching the given text (compared with surrounding whitespace trimmed)
and exits nonzero if none arrives within the connection timeout. With
--show-reply it prints the first line that arrives after the send.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var (
	sendBaud       int
	sendProfile    string
	sendSeparator  string
	sendTerminator string
	sendRaw        bool
	sendExpect     string
	sendShowReply  bool
)

func init() {
	sendCmd.Flags().IntVarP(&sendBaud, "baud", "b", 0, "Baud rate (default 9600)")
	sendCmd.Flags().StringVarP(&sendProfile, "profile", "p", "", "YAML connection profile")
	sendCmd.Flags().StringVar(&sendSeparator, "separator", " ", "Separator placed between data arguments")
	sendCmd.Flags().StringVar(&sendTerminator, "terminator", "\r\n", "Terminator appended to the payload")
	sendCmd.Flags().BoolVar(&sendRaw, "raw", false, "Send arguments as-is, without whitespace trimming")
	sendCmd.Flags().StringVar(&sendExpect, "expect", "", "Wait for this reply and fail if it does not arrive")
	sendCmd.Flags().BoolVar(&sendShowReply, "show-reply", false, "Print the first reply that arrives after the send")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := conn.DefaultConfig()
	if sendProfile != "" {
		cfg, err = loadProfile(sendProfile)
		if err != nil {
			return err
		}
	}
	cfg.Port = args[0]
	if sendBaud != 0 {
		cfg.BaudRate = sendBaud
	}
	cfg.Logger = logger
	// One-shot send: the interval throttle only gets in the way here.
	cfg.SendInterval = 0

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	cn, err := conn.New(cfg)
	if err != nil {
		return err
	}
	if err := cn.Connect(); err != nil {
		return err
	}
	defer func() { _ = cn.Disconnect() }()

	parts := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		parts = append(parts, a)
	}

	sentAt := time.Now()
	opts := conn.SendOptions{Separator: sendSeparator, Terminator: sendTerminator, Raw: sendRaw}
	ok, err := cn.SendWith(opts, parts...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("send rejected")
	}

	// The worker drains the queue asynchronously; wait for the payload to
	// actually hit the wire before reading a reply or disconnecting.
	for deadline := time.Now().Add(time.Second); cn.Stats().PendingSends > 0; {
		if time.Now().After(deadline) {
			return fmt.Errorf("payload not written within 1s")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if sendExpect != "" {
		matched, err := cn.WaitFor([]byte(sendExpect), sentAt)
		if err != nil {
			return err
		}
		if !matched {
			return fmt.Errorf("no reply matching %q within %s", sendExpect, cfg.Timeout)
		}
		color.New(color.FgGreen).Printf("got %q\n", sendExpect)
		return nil
	}

	if sendShowReply {
		rec, err := cn.GetNew(sentAt)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no reply within %s", cfg.Timeout)
		}
		fmt.Println(strings.TrimRight(string(rec.Data), "\r\n"))
	}
	return nil
}
