package main

import "github.com/ramiqadoumi/go-media-flow/services/api-gateway/cli"

func main() {
	cli.Execute()
}
