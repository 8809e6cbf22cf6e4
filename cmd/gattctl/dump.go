package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/gatt/db"
	"github.com/srg/gatt/profile"
)

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump --profile <file>",
	Short: "Print a profile's compiled attribute table",
	Long: `Compiles a YAML profile the way serve would and prints the resulting
attribute table with assigned handles, permissions, and types.

Examples:
  # Inspect handle assignment before serving
  gattctl dump --profile heartrate.yaml`,
	Args: cobra.NoArgs,
	RunE: runDump,
}

var dumpProfile string

func init() {
	dumpCmd.Flags().StringVar(&dumpProfile, "profile", "", "Profile YAML file (required)")
	_ = dumpCmd.MarkFlagRequired("profile")
}

func runDump(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	prof, err := profile.Load(dumpProfile)
	if err != nil {
		return err
	}
	services, err := prof.Compile()
	if err != nil {
		return err
	}

	reg := db.NewRegistry(db.WithLogger(logger))
	for _, svc := range services {
		if err := reg.Register(svc); err != nil {
			return err
		}
	}

	table := db.Dump(reg)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(table)
		return nil
	}
	// Colorize service declaration rows so the table scans by service.
	bold := color.New(color.Bold)
	for _, line := range strings.Split(strings.TrimRight(table, "\n"), "\n") {
		if strings.Contains(line, " service ") {
			bold.Println(line)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}
