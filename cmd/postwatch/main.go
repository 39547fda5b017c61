// Package main is the entry point for the postwatch roster service.
package main

import (
	"context"
	"os"

	"github.com/postwatch/postwatch/cmd/postwatch/app"
)

func main() {
	if err := app.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
