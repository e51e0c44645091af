package main

import (
	"github.com/thr3a/discord-bot2/cmd"
)

func main() {
	cmd.Execute()
}
