package main

import "github.com/parley-hq/parley/cmd"

func main() {
	cmd.Execute()
}
