package main

import "github.com/ValgulNecron/kasuki-sub002/cmd"

func main() {
	cmd.Execute()
}
