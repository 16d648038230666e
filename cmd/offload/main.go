package main

import "github.com/seantiz/offload/internal/cli"

func main() {
	cli.Execute()
}
