package main

import "github.com/shizukutanaka/dagminer/cmd/dagminer/commands"

func main() {
	commands.Execute()
}
