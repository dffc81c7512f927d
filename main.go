package main

import "github.com/mihaisavezi/claude-gate/cmd"

func main() {
	cmd.Execute()
}
