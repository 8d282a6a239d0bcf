package cli

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("burrow", Version)
}

func printUsage() {
	fmt.Println(`burrow - expose local HTTP ports through your own tunnel cluster

Usage:
  burrow http <port>                    Expose a local port (random subdomain)
  burrow http --subdomain=myapp <port>  Expose with a named subdomain
  burrow http --url http://host:3000    Expose an arbitrary local upstream
  burrow http --static ./public         Expose a static directory
  burrow login --server URL --token T   Save credentials for later http runs
  burrow server                         Start a tunnel node
  burrow token --user NAME              Mint an account token (server side)
  burrow version                        Print version
  burrow help                           Show this help

Client flags:
  --server URL       Server base URL (BURROW_SERVER)
  --token TOKEN      Account token (BURROW_TOKEN)
  --subdomain NAME   Requested subdomain label (BURROW_SUBDOMAIN)
  --reserved         Reserve the subdomain for this account
  --basic-user/--basic-pass
                     Require basic auth on the public URL

Environment Variables:
  BURROW_SERVER           Server base URL (client)
  BURROW_TOKEN            Account token (client)
  BURROW_DOMAIN           Cluster base domain (server, e.g. tunnel.example.com)
  BURROW_SIGNING_SECRET   Token signing secret (server)
  BURROW_CLUSTER_SECRET   Shared secret between nodes (server)
  BURROW_DB_PATH          SQLite database path (default: ./burrow.db)
  BURROW_LOG_LEVEL        Log level: debug|info|warn|error (default: info)`)
}
