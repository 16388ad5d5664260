package main

import "mailur.link/mailur/internal/cli"

func main() {
	cli.Execute()
}
