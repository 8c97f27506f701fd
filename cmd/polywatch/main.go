package main

import "github.com/vietddude/polywatch/internal/cli"

func main() {
	cli.Execute()
}
