package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	poolID     string
	formatStr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "poolmgrctl",
		Short: "Operator CLI for the virtual browser pool controller",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "poolmgrd HTTP address")
	rootCmd.PersistentFlags().StringVar(&poolID, "pool", "", "Pool identity (provider id, \"Large\" for large pools, region), e.g. dockerus-east-1")
	rootCmd.PersistentFlags().StringVar(&formatStr, "output", "table", "Output format: table, wide, json, yaml")
	rootCmd.AddCommand(assignCmd(), resetCmd(), listCmd("available"), listCmd("staging"), statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
