package main

import "github.com/ramiqadoumi/go-media-flow/services/worker/cli"

func main() {
	cli.Execute()
}
