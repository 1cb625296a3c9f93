package main

import "github.com/Trustflow-Network-Labs/dht-node/internal/cmd"

func main() {
	cmd.Execute()
}
