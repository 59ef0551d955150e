package main

import "fmt"

// VersionCmd prints the version.
type VersionCmd struct{}

// Run executes the version command.
func (c *VersionCmd) Run() error {
	fmt.Printf("chatstream %s\n", version)
	return nil
}
