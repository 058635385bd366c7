package main

import "github.com/oshokin/sd-builder/cmd/sd-builder/cmd"

func main() {
	cmd.Execute()
}
