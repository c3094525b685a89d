package main

import "github.com/example/facereg/cmd"

func main() {
	cmd.Execute()
}
