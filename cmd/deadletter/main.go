package main

import "github.com/ramiqadoumi/go-media-flow/services/deadletter/cli"

func main() {
	cli.Execute()
}
