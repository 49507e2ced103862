package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/splax/teamforge/pkg/config"
	"github.com/splax/teamforge/pkg/jwt"
)

// devtoken mints a bearer token for a user id using the API's JWT secret.
func main() {
	userID := flag.String("user", "", "user identifier to embed in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to TOKEN_TTL_HOURS)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.TokenTTL
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	token, err := jwt.GenerateToken(*userID, cfg.JWTSecret, lifetime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
