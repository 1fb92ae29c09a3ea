package main

import "github.com/interledger4j/ilpv4-connector-sub010/cmd"

func main() {
	cmd.Execute()
}
