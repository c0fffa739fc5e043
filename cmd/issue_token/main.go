package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"mediaingest/pkg/logger"
)

// issue_token mints an HS256 token the ingestion API accepts. Meant for
// operators and local testing; production tokens come from the identity
// provider sharing JWT_SECRET.
func main() {
	_ = godotenv.Load()
	role := flag.String("role", "operator", "role claim")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: go run ./cmd/issue_token [--role r] [--ttl 12h] <username>")
		os.Exit(2)
	}
	username := flag.Arg(0)

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	secret := os.Getenv("JWT_SECRET")
	if strings.TrimSpace(secret) == "" {
		log.Error("JWT_SECRET not set in environment")
		os.Exit(1)
	}
	if *ttl <= 0 {
		log.Error("--ttl must be positive", "ttl", *ttl)
		os.Exit(2)
	}

	signed, err := mintToken([]byte(secret), username, *role, *ttl, time.Now())
	if err != nil {
		log.Error("sign token failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}

func mintToken(secret []byte, username, role string, ttl time.Duration, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      username,
		"username": username,
		"role":     role,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
