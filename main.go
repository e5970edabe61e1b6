package main

import "github.com/deploymenttheory/vaultfs/cmd"

func main() {
	cmd.Execute()
}
