// Generates keys for signing security tokens and mints tokens for testing:
//
//	keygen                      random 32-byte HMAC key
//	keygen -uid ID -key KEY     security token for the "token" scheme
//	keygen -jwt -uid ID -key KEY -svc '{"docs":"Admin"}'
//	                            HS256 JWT for the "jwt" scheme
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinode/livesync/server/auth"
	_ "github.com/tinode/livesync/server/auth/jwt"
	_ "github.com/tinode/livesync/server/auth/token"
	"github.com/tinode/livesync/server/store/types"
)

const keySize = 32

type mintParams struct {
	scheme   string
	uid      string
	key      string
	svc      string
	serial   int
	issuer   string
	lifetime time.Duration
}

func main() {
	uid := flag.String("uid", "", "User ID to mint a token for")
	key := flag.String("key", "", "Base64-encoded HMAC key of the server")
	useJwt := flag.Bool("jwt", false, "Mint a JWT instead of a security token")
	svc := flag.String("svc", "", "Service access levels, JSON object. JWT only")
	serial := flag.Int("serial", 1, "Serial number of the token, must match the server config")
	issuer := flag.String("issuer", "", "JWT issuer")
	lifetime := flag.Duration("expires", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *uid == "" {
		os.Exit(generate(keySize))
	}

	p := &mintParams{
		scheme:   "token",
		uid:      *uid,
		key:      *key,
		svc:      *svc,
		serial:   *serial,
		issuer:   *issuer,
		lifetime: *lifetime,
	}
	if *useJwt {
		p.scheme = "jwt"
	}
	secret, expires, err := mint(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to mint token:", err)
		os.Exit(1)
	}
	fmt.Printf("Token for '%s' valid until %s:\n%s\n", p.uid, expires.Format(time.RFC3339), secret)
}

// generate prints a random key.
func generate(size int) int {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate key:", err)
		return 1
	}
	fmt.Println("HMAC key:", base64.StdEncoding.EncodeToString(key))
	return 0
}

// mint issues a secret with the named authenticator configured the way the server would be.
func mint(p *mintParams) (string, time.Time, error) {
	key, err := base64.StdEncoding.DecodeString(p.key)
	if err != nil {
		return "", time.Time{}, errors.New("invalid key: " + err.Error())
	}

	id := &auth.Identity{UserId: p.uid}
	config := map[string]any{
		"key":       key,
		"expire_in": int(p.lifetime / time.Second),
	}
	switch p.scheme {
	case "token":
		if types.ParseUid(p.uid).IsZero() {
			return "", time.Time{}, errors.New("token user ID must be a server-generated ID")
		}
		if p.svc != "" {
			return "", time.Time{}, errors.New("tokens carry no service access, use -jwt")
		}
		config["serial_num"] = p.serial
	case "jwt":
		config["issuer"] = p.issuer
		if p.svc != "" {
			if err := json.Unmarshal([]byte(p.svc), &id.ServiceAccess); err != nil {
				return "", time.Time{}, errors.New("invalid service access: " + err.Error())
			}
		}
	default:
		return "", time.Time{}, errors.New("unknown scheme '" + p.scheme + "'")
	}

	jsconf, _ := json.Marshal(config)
	authenticator := auth.Get(p.scheme)
	if err := authenticator.Init(jsconf, p.scheme); err != nil {
		return "", time.Time{}, err
	}
	secret, expires, err := authenticator.GenSecret(id, 0)
	if err != nil {
		return "", time.Time{}, err
	}
	if p.scheme == "token" {
		return base64.StdEncoding.EncodeToString(secret), expires, nil
	}
	return string(secret), expires, nil
}
