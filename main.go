package main

import (
	"fmt"
	"os"

	api "github.com/giovaniif/e-commerce/inventory/cmd/api"
)

func main() {
	if err := api.StartServer(); err != nil {
		fmt.Fprintf(os.Stderr, "inventory service: %v\n", err)
		os.Exit(1)
	}
}
