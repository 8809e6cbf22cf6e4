package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/gatt/client"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <address> <handle> <hex-data>",
	Short: "Write an attribute value",
	Long: `Writes hex-encoded data to an attribute by handle.

Examples:
  # Acknowledged write
  gattctl write localhost:4343 0x0005 01ff

  # Write without response (fire and forget)
  gattctl write localhost:4343 0x0005 01ff --no-rsp

  # Long write via prepare/execute
  gattctl write localhost:4343 0x0005 $(head -c 512 /dev/zero | xxd -p) --long`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeNoRsp bool
	writeLong  bool
)

func init() {
	writeCmd.Flags().BoolVar(&writeNoRsp, "no-rsp", false, "Use a write command instead of a write request")
	writeCmd.Flags().BoolVar(&writeLong, "long", false, "Force a long write via prepare/execute")
}

func runWrite(cmd *cobra.Command, args []string) error {
	handle, uuid, err := parseTarget(args[1])
	if err != nil {
		return err
	}
	if uuid != nil {
		return fmt.Errorf("write needs a handle, not a UUID")
	}
	data, err := hex.DecodeString(strings.ReplaceAll(args[2], " ", ""))
	if err != nil {
		return fmt.Errorf("bad hex data: %w", err)
	}
	if writeNoRsp && writeLong {
		return fmt.Errorf("--no-rsp and --long are mutually exclusive")
	}

	h, conn, _, err := connectPeer(cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Close()
	cli := conn.Client()

	if writeNoRsp {
		return cli.WriteWithoutResponse(handle, data)
	}

	done := make(chan error, 1)
	p := &client.WriteParams{
		Handle: handle,
		Data:   data,
		Long:   writeLong,
		Func:   func(_ *client.Client, err error) { done <- err },
	}
	if err := cli.Write(p); err != nil {
		return err
	}
	if err := waitDone(done); err != nil {
		return err
	}
	fmt.Printf("wrote %d byte(s) to 0x%04x\n", len(data), handle)
	return nil
}
