package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gatt/client"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <address>",
	Short: "Subscribe to value updates and print them",
	Long: `Arms a notification (or indication) subscription on a characteristic
value and prints each update until interrupted.

Examples:
  # Notifications from the value at handle 0x0005
  gattctl subscribe localhost:4343 --value 0x0005

  # Indications, with a pinned CCC descriptor handle
  gattctl subscribe localhost:4343 --value 0x0005 --ccc 0x0006 --indicate`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

var (
	subValueHandle uint16
	subCCCHandle   uint16
	subIndicate    bool
	subHex         bool
)

func init() {
	subscribeCmd.Flags().Uint16Var(&subValueHandle, "value", 0, "Characteristic value handle (required)")
	subscribeCmd.Flags().Uint16Var(&subCCCHandle, "ccc", 0, "CCC descriptor handle; discovered when omitted")
	subscribeCmd.Flags().BoolVar(&subIndicate, "indicate", false, "Subscribe for indications instead of notifications")
	subscribeCmd.Flags().BoolVar(&subHex, "hex", false, "Print updates as hex strings")
	subscribeCmd.MarkFlagRequired("value")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	h, conn, _, err := connectPeer(cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Close()
	cli := conn.Client()

	value := client.SubscribeNotify
	if subIndicate {
		value = client.SubscribeIndicate
	}

	done := make(chan error, 1)
	p := &client.SubscribeParams{
		ValueHandle: subValueHandle,
		CCCHandle:   subCCCHandle,
		Value:       value,
		Volatile:    true,
		Notify: func(_ *client.Client, handle uint16, data []byte) {
			if data == nil {
				return
			}
			stamp := time.Now().Format(time.RFC3339)
			if subHex {
				fmt.Printf("%s 0x%04x %s\n", stamp, handle, hex.EncodeToString(data))
				return
			}
			fmt.Printf("%s 0x%04x %q\n", stamp, handle, data)
		},
		Func: func(_ *client.Client, err error) { done <- err },
	}
	if err := cli.Subscribe(p); err != nil {
		return err
	}
	if err := waitDone(done); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "subscribed to 0x%04x, waiting for updates (Ctrl+C to stop)\n", subValueHandle)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := cli.Unsubscribe(p); err != nil {
		return err
	}
	return waitDone(done)
}
