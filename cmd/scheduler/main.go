package main

import "github.com/ramiqadoumi/go-media-flow/services/scheduler/cli"

func main() {
	cli.Execute()
}
