package main

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

func openDatabase() *database.SQLiteManager {
	config := utils.NewConfigManager("")
	logger := utils.NewLogsManagerForWriter(os.Stderr, "warn")

	sqlm, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	return sqlm
}

func RunValues(args []string) {
	sqlm := openDatabase()
	defer sqlm.Close()

	var values []database.ValueTuple
	if len(args) > 0 {
		key, err := kuid.Parse(args[0])
		if err != nil {
			key = kuid.ForKey(args[0])
		}
		values = sqlm.Values.Get(key)
	} else {
		values = sqlm.Values.Values()
	}

	fmt.Printf("=== %d values ===\n", len(values))
	for _, v := range values {
		origin := "remote"
		if v.LocalOrigin {
			origin = "local"
		}
		fmt.Printf("%s / %s  %s v%d  %s  stored %s ago\n",
			v.PrimaryKey.Short(), v.SecondaryKey.Short(), v.Type, v.Version, origin,
			time.Since(v.CreationTime).Round(time.Second))
		fmt.Printf("  creator: %s\n", v.Creator)
		fmt.Printf("  payload: %s\n", preview(v.Payload))
	}
}

func RunContacts(args []string) {
	limit := 100
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid limit %q\n", args[0])
			os.Exit(1)
		}
		limit = n
	}

	sqlm := openDatabase()
	defer sqlm.Close()

	contacts, err := sqlm.Contacts.Recent(limit)
	if err != nil {
		fmt.Printf("Failed to read contacts: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== %d known contacts ===\n", len(contacts))
	for _, c := range contacts {
		fmt.Printf("%s  %-22s  rtt %-8s  last seen %s\n",
			c.ID, c.Addr, c.RTT, c.LastSeen.Format(time.RFC3339))
	}
}

func RunBlacklist(args []string) {
	sqlm := openDatabase()
	defer sqlm.Close()

	blacklist, err := database.NewBlacklist(sqlm)
	if err != nil {
		fmt.Printf("Failed to load blacklist: %v\n", err)
		os.Exit(1)
	}

	if len(args) > 0 {
		if len(args) < 2 {
			fmt.Println("Usage: blacklist add <ip> <reason> | blacklist remove <ip>")
			os.Exit(1)
		}
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			fmt.Printf("Invalid address %q: %v\n", args[1], err)
			os.Exit(1)
		}

		switch args[0] {
		case "add":
			err = blacklist.Add(addr, strings.Join(args[2:], " "))
		case "remove":
			err = blacklist.Remove(addr)
		default:
			fmt.Printf("Unknown blacklist command: %s\n", args[0])
			os.Exit(1)
		}
		if err != nil {
			fmt.Printf("Failed to update blacklist: %v\n", err)
			os.Exit(1)
		}
	}

	entries, err := sqlm.GetBlacklist()
	if err != nil {
		fmt.Printf("Failed to read blacklist: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("=== %d blacklisted addresses (%d loaded) ===\n", len(entries), blacklist.Len())
	for _, e := range entries {
		fmt.Printf("%-40s  %s  %s\n", e.IP, e.BlacklistedAt.Format(time.RFC3339), e.Reason)
	}
}

func preview(b []byte) string {
	const max = 80
	s := strconv.Quote(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
