package main

import "github.com/vietddude/blockstor/internal/cli"

func main() {
	cli.Execute()
}
