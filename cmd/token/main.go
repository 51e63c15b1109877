package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
)

func main() {
	userID := flag.Int64("user", 0, "User id to issue the token for")
	role := flag.String("role", string(auth.RoleUser), "Role claim (user or admin)")
	expiry := flag.Duration("expiry", 0, "Token lifetime; defaults to TOKEN_EXPIRY")
	flag.Parse()

	if *userID <= 0 {
		fmt.Println("Usage: token -user <id> [-role user|admin] [-expiry 1h]")
		os.Exit(1)
	}

	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ttl := cfg.TokenExpiry
	if *expiry > 0 {
		ttl = *expiry
	}

	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.AuthSecret, TokenExpiry: ttl})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, err := verifier.Issue(auth.Identity{UserID: *userID, Role: auth.Role(*role)})
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(ttl).Format(time.RFC3339))
}
