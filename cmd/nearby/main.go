package main

import (
	"os"

	"nearby/cmd/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args[1:], os.Stderr))
}
