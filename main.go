package main

import (
	"github.com/lichon/screen-share-cli/cmd"
	"github.com/lichon/screen-share-cli/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
