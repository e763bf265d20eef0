package main

import (
	"fmt"
	"os"

	// Business time zones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
