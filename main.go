package main

import "github.com/curaious/devicedb/cmd"

func main() {
	cmd.Execute()
}
