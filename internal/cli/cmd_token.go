package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/config"
)

// runToken mints an account token for a user, signed with the server's
// signing secret. Run it on (or with the secret of) the server.
func runToken(args []string) int {
	config.LoadEnvFile()

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "User id to embed in the token")
	plan := fs.String("plan", "free", "Plan name: free|hobby|pro")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	secret := fs.String("secret", os.Getenv("BURROW_SIGNING_SECRET"), "Signing secret (BURROW_SIGNING_SECRET)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *user == "" {
		fmt.Fprintln(os.Stderr, "token error: missing --user")
		return 2
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "token error: missing --secret or BURROW_SIGNING_SECRET")
		return 2
	}

	token, err := account.MintToken(*secret, *user, *plan, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
