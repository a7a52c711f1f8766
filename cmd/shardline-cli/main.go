package main

import "github.com/buildwithgrove/shardline/cmd/shardline-cli/cmd"

func main() {
	cmd.Execute()
}
