package main

import "github.com/kiesman99/tilepipe/cmd"

func main() {
	cmd.Execute()
}
