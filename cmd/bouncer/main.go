package main

import (
	"fmt"
	"os"

	"github.com/qwer2003tw/bouncer/cmd/bouncer/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
