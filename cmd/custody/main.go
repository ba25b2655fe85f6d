package main

import "github.com/vietddude/custody/internal/cli"

func main() {
	cli.Execute()
}
