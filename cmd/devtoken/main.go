// devtoken prints a signed token for local testing of the websocket and
// REST endpoints.
package main

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-swapchat/internal/auth"
	"github.com/npezzotti/go-swapchat/internal/types"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}

	var (
		user       types.User
		signingKey string
		ttl        time.Duration
	)

	flag.StringVar(&user.Id, "id", "", "user id (required)")
	flag.StringVar(&user.Name, "name", "", "display name")
	flag.StringVar(&user.Avatar, "avatar", "", "avatar URL")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("SWAPCHAT_SIGNING_KEY"), "base64 encoded signing key")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if user.Id == "" {
		fmt.Fprintln(os.Stderr, "-id is required")
		flag.Usage()
		os.Exit(2)
	}

	key, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil || len(key) == 0 {
		fmt.Fprintln(os.Stderr, "invalid signing key")
		os.Exit(1)
	}

	token, err := auth.NewGate(key).IssueToken(user, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue token:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
