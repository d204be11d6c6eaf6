package main

import "github.com/ozanturksever/go-presence/cmd/presence/cmd"

func main() {
	cmd.Execute()
}
