package main

import (
	"fmt"
	"os"

	"github.com/teranos/stagee/cmd/stagee/commands"
	"github.com/teranos/stagee/logger"
)

func main() {
	err := commands.RootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
