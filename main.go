package main

import (
	"github.com/openmux/omnichat/cmd"
)

func main() {
	cmd.Execute()
}
