package main

import (
	"github.com/sockbus/sockbus/cmd"
)

func main() {
	cmd.Execute()
}
