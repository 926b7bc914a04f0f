package main

import "github.com/codewandler/evstore-go/cmd/escli/cmd"

func main() {
	cmd.Execute()
}
