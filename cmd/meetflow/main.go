package main

import (
	"fmt"
	"os"

	"github.com/ignatij/meetflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meetflow",
	Short: "Meeting recording analysis: diarization, transcription and agent insights",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
