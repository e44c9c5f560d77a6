package main

import "github.com/djcass44/repodata-gateway/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
