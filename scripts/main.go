package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "values":
		RunValues(args)
	case "contacts":
		RunContacts(args)
	case "blacklist":
		RunBlacklist(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Inspect the node database. Stop the node first or expect stale reads.")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  values [key]")
	fmt.Println("    List stored values, optionally only those under key")
	fmt.Println("    Example: go run ./scripts values 4f1c2a...")
	fmt.Println("")
	fmt.Println("  contacts [limit]")
	fmt.Println("    List persisted contacts, most recently seen first")
	fmt.Println("")
	fmt.Println("  blacklist [add <ip> <reason> | remove <ip>]")
	fmt.Println("    List or edit the blacklisted addresses")
}
