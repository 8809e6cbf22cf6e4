package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/client"
	"github.com/srg/gatt/db"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <address> <handle-or-uuid>",
	Short: "Read an attribute value",
	Long: `Reads an attribute by handle, or by characteristic UUID across the
whole database.

Examples:
  # Read by handle
  gattctl read localhost:4343 0x0003

  # Read by characteristic UUID
  gattctl read localhost:4343 2a19

  # Long read, paging with blob requests
  gattctl read localhost:4343 0x0003 --long

  # Hex output instead of raw bytes
  gattctl read localhost:4343 2a19 --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readLong bool
	readHex  bool
)

func init() {
	readCmd.Flags().BoolVar(&readLong, "long", false, "Page the full value with read blob requests")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string; raw bytes by default")
}

// parseTarget resolves a CLI attribute reference: a 0x-prefixed or
// decimal handle, else a UUID.
func parseTarget(s string) (uint16, att.UUID, error) {
	if v, err := strconv.ParseUint(s, 0, 16); err == nil && v > 0 {
		return uint16(v), nil, nil
	}
	uuid, err := att.ParseUUID(s)
	if err != nil {
		return 0, nil, fmt.Errorf("%q is neither a handle nor a UUID", s)
	}
	return 0, uuid, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	handle, uuid, err := parseTarget(args[1])
	if err != nil {
		return err
	}

	h, conn, _, err := connectPeer(cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Close()

	var value bytes.Buffer
	done := make(chan error, 1)
	p := &client.ReadParams{
		Handle: handle,
		UUID:   uuid,
		Start:  1,
		End:    0xFFFF,
		Long:   readLong,
		Func: func(_ *client.Client, h uint16, data []byte, err error) db.Iter {
			if data == nil {
				done <- err
				return db.Stop
			}
			value.Write(data)
			return db.Continue
		},
	}
	if err := conn.Client().Read(p); err != nil {
		return err
	}
	if err := waitDone(done); err != nil {
		return err
	}

	if readHex {
		fmt.Println(hex.EncodeToString(value.Bytes()))
		return nil
	}
	_, err = os.Stdout.Write(value.Bytes())
	return err
}
