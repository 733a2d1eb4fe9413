package main

import "github.com/aceteam-ai/tokenwatch/cmd"

func main() {
	cmd.Execute()
}
