package main

import (
	"github.com/foomo/packageserver/cmd"
)

func main() {
	cmd.Execute()
}
