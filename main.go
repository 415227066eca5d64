package main

import "github.com/andresmejia3/facehash/cmd"

func main() {
	cmd.Execute()
}
