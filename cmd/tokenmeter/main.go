package main

import "github.com/tokenmeter/tokenmeter/internal/cli"

func main() {
	cli.Execute()
}
