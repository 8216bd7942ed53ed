package main

import (
	"os"

	"vault-cosigner/cmd/cosigner/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
