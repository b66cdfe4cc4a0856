package main

import "github.com/datarun/lmis/cmd"

func main() {
	cmd.Execute()
}
