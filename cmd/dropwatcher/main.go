package main

import (
	"crypto-drop-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
