package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/client"
	"github.com/srg/gatt/db"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover <address>",
	Short: "Discover services, characteristics, and descriptors",
	Long: `Walks the peer's attribute database: primary services, then each
service's characteristics and descriptors.

Examples:
  # Full database walk
  gattctl discover localhost:4343

  # Only services matching a UUID
  gattctl discover localhost:4343 --service 180f`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscover,
}

var discoverServiceUUID string

func init() {
	discoverCmd.Flags().StringVar(&discoverServiceUUID, "service", "", "Restrict to one service UUID")
}

type discoveredService struct {
	start, end uint16
	uuid       att.UUID
}

func runDiscover(cmd *cobra.Command, args []string) error {
	h, conn, _, err := connectPeer(cmd, args[0])
	if err != nil {
		return err
	}
	defer h.Close()
	cli := conn.Client()

	var filter att.UUID
	if discoverServiceUUID != "" {
		filter, err = att.ParseUUID(discoverServiceUUID)
		if err != nil {
			return err
		}
	}

	services, err := collectServices(cli, filter)
	if err != nil {
		return err
	}
	for _, svc := range services {
		fmt.Printf("service %s handles 0x%04x..0x%04x\n", svc.uuid, svc.start, svc.end)
		if err := printCharacteristics(cli, svc); err != nil {
			return err
		}
	}
	return nil
}

func collectServices(cli *client.Client, filter att.UUID) ([]discoveredService, error) {
	var services []discoveredService
	done := make(chan error, 1)
	p := &client.DiscoverParams{
		Type:  client.DiscoverPrimary,
		UUID:  filter,
		Start: 1,
		End:   0xFFFF,
		Func: func(_ *client.Client, r *client.DiscoverResult, err error) db.Iter {
			if r == nil {
				done <- err
				return db.Stop
			}
			uuid := r.UUID
			if uuid == nil {
				uuid = filter
			}
			services = append(services, discoveredService{start: r.Handle, end: r.EndHandle, uuid: uuid})
			return db.Continue
		},
	}
	if err := cli.Discover(p); err != nil {
		return nil, err
	}
	if err := waitDone(done); err != nil {
		return nil, err
	}
	return services, nil
}

func printCharacteristics(cli *client.Client, svc discoveredService) error {
	done := make(chan error, 1)
	p := &client.DiscoverParams{
		Type:  client.DiscoverCharacteristic,
		Start: svc.start,
		End:   svc.end,
		Func: func(_ *client.Client, r *client.DiscoverResult, err error) db.Iter {
			if r == nil {
				done <- err
				return db.Stop
			}
			fmt.Printf("  characteristic %s decl 0x%04x value 0x%04x props 0x%02x\n",
				r.UUID, r.Handle, r.ValueHandle, uint8(r.Props))
			return db.Continue
		},
	}
	if err := cli.Discover(p); err != nil {
		return err
	}
	return waitDone(done)
}

func waitDone(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(procedureTimeout):
		return fmt.Errorf("procedure timed out after %v", procedureTimeout)
	}
}
