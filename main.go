package main

import (
	"PartyFM/cmd"
)

func main() {
	cmd.Execute()
}
