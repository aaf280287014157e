package main

import (
	"github.com/nfrund/wsexport/cmd/wsexport/cmd"
	"github.com/nfrund/wsexport/internal/logging"
)

func main() {
	logging.New()
	cmd.Execute()
}
