package main

import "github.com/primoscope/mediadl/internal/cli"

func main() {
	cli.Execute()
}
