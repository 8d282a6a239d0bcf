package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/burrownet/burrow/internal/settings"
)

// runLogin saves the server URL and account token for later http runs.
func runLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	server := fs.String("server", "", "Server base URL (e.g. https://tunnel.example.com)")
	token := fs.String("token", "", "Account token")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := settings.Save(settings.Settings{ServerURL: *server, Token: *token}); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	fmt.Println("credentials saved to", settings.Path())
	return 0
}
