package main

import "github.com/jmcleod/ironra/cmd/ironra/cmd"

func main() {
	cmd.Execute()
}
