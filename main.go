package main

import "github.com/taskdesk/server/cmd"

func main() {
	cmd.Execute()
}
