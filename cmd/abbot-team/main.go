package main

import (
	"fmt"
	"os"

	"arhat.dev/abbot-team/pkg/cmd"
)

func main() {
	rootCmd := cmd.NewAbbotTeamCmd()

	err := rootCmd.Execute()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to run abbot-team %v: %v\n", os.Args, err)
		os.Exit(1)
	}
}
