package main

import "github.com/cloudshelf/objectfs/cmd"

func main() {
	cmd.Execute()
}
