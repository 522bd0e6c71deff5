package main

import "github.com/robunhq/robun/cmd"

func main() {
	cmd.Execute()
}
