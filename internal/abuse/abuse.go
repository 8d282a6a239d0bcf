// Package abuse validates requested hostname labels against impersonation
// and phishing patterns, and generates random labels for anonymous tunnels.
package abuse

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	minLabelLen = 3
	maxLabelLen = 63
)

// blockedExact labels can never be claimed by clients. The list covers
// well-known brands, security keywords, and names reserved for the
// service's own infrastructure.
var blockedExact = map[string]struct{}{}

func init() {
	for _, s := range []string{
		// payment & banking
		"paypal", "venmo", "cashapp", "zelle", "stripe", "square",
		"chase", "bankofamerica", "wellsfargo", "citibank", "capitalone",
		"amex", "americanexpress", "visa", "mastercard", "discover",

		// tech
		"google", "gmail", "youtube", "android", "chrome",
		"apple", "icloud", "itunes", "appstore",
		"microsoft", "outlook", "office", "windows", "azure", "xbox",
		"amazon", "aws", "prime", "alexa",
		"facebook", "instagram", "whatsapp", "messenger", "meta",
		"twitter", "x",
		"netflix", "spotify", "hulu", "disney", "disneyplus",
		"linkedin", "github", "gitlab", "bitbucket",
		"dropbox", "box", "onedrive", "gdrive",
		"slack", "zoom", "teams", "webex",
		"telegram", "signal", "discord",
		"tiktok", "snapchat", "reddit", "pinterest",

		// crypto
		"coinbase", "binance", "kraken", "gemini", "crypto",
		"bitcoin", "ethereum", "metamask", "ledger", "trezor",
		"opensea", "nft", "wallet", "defi",

		// e-commerce & shipping
		"ebay", "etsy", "shopify", "alibaba", "aliexpress", "wish",
		"walmart", "target", "bestbuy", "costco",
		"fedex", "ups", "usps", "dhl",

		// security & auth vendors
		"okta", "auth0", "duo", "lastpass", "1password", "bitwarden",

		// government
		"irs", "ssa", "medicare", "dmv", "gov", "government",

		// security keywords
		"login", "signin", "sign-in", "logon", "log-on",
		"secure", "security", "verify", "verification", "validate",
		"account", "accounts", "myaccount", "my-account",
		"password", "passwd", "reset", "recover", "recovery",
		"update", "confirm", "confirmation", "authenticate", "auth",
		"banking", "bank", "payment", "pay", "billing",
		"support", "helpdesk", "help-desk", "customer-service",
		"admin", "administrator", "root", "system", "sysadmin",

		// infrastructure
		"api", "www", "app", "mail", "email", "smtp", "imap", "pop",
		"ftp", "sftp", "ssh", "vpn", "proxy", "cdn", "static",
		"assets", "img", "images", "js", "css", "fonts",
		"status", "health", "metrics", "monitor", "monitoring",
		"docs", "documentation", "blog", "news",
		"dashboard", "dash", "panel", "console",
		"burrow", "tunnel", "tunnels", "edge", "node", "nodes",
		"internal", "private", "public", "test", "testing", "dev",
		"stage", "staging", "prod", "production", "demo",
	} {
		blockedExact[s] = struct{}{}
	}
}

// blockedContains substrings may not appear anywhere in a label.
var blockedContains = []string{
	"paypal", "google", "apple", "microsoft", "amazon", "facebook",
	"netflix", "coinbase", "binance", "metamask",

	"-login", "login-", "-secure", "secure-", "-verify", "verify-",
	"-account", "account-", "-update", "update-", "-confirm", "confirm-",
	"-support", "support-", "-service", "service-", "-help", "help-",
	"-auth", "auth-", "-pay", "pay-", "-billing", "billing-",

	"official", "real", "legit", "genuine", "authentic",
	"free-money", "winner", "prize", "lottery", "giveaway",
}

// BlockedError explains why a label was rejected. The message is safe to
// send back to the client in a handshake reply.
type BlockedError struct {
	Label  string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("label %q rejected: %s", e.Label, e.Reason)
}

// CheckLabel reports whether a single hostname label (the leftmost DNS
// component, without dots) may be claimed. A nil return means allowed.
func CheckLabel(label string) error {
	label = strings.ToLower(label)

	if len(label) < minLabelLen {
		return &BlockedError{Label: label, Reason: "must be at least 3 characters"}
	}
	if len(label) > maxLabelLen {
		return &BlockedError{Label: label, Reason: "must be 63 characters or less"}
	}
	if !validLabelChars(label) {
		return &BlockedError{Label: label, Reason: "only lowercase letters, digits and hyphens are allowed"}
	}
	if allDigits(label) {
		return &BlockedError{Label: label, Reason: "cannot be all numeric"}
	}
	if looksLikeIP(label) {
		return &BlockedError{Label: label, Reason: "cannot resemble an IP address"}
	}
	if _, ok := blockedExact[label]; ok {
		return &BlockedError{Label: label, Reason: "reserved name"}
	}
	for _, sub := range blockedContains {
		if strings.Contains(label, sub) {
			return &BlockedError{Label: label, Reason: fmt.Sprintf("cannot contain %q", sub)}
		}
	}
	return nil
}

func validLabelChars(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") || strings.Contains(s, "--") {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// looksLikeIP catches dashed dotted-quad spellings such as "192-168-1-1".
func looksLikeIP(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

var (
	randAdjectives = []string{
		"quick", "lazy", "happy", "merry", "bright", "dusky", "cool", "warm", "fleet", "mellow",
		"crimson", "azure", "verdant", "bold", "calm", "wild", "gentle", "vivid", "tiny", "grand",
	}
	randNouns = []string{
		"fox", "badger", "lynx", "finch", "trout", "otter", "wolf", "marten", "hawk", "owl",
		"cedar", "mesa", "fjord", "boulder", "tide", "comet", "dune", "ember", "glade", "brook",
	}
)

// RandomLabel returns a label like "merry-otter-483" for tunnels that did
// not request a hostname. Always passes CheckLabel.
func RandomLabel() string {
	adj := randAdjectives[rand.IntN(len(randAdjectives))]
	noun := randNouns[rand.IntN(len(randNouns))]
	return fmt.Sprintf("%s-%s-%d", adj, noun, 100+rand.IntN(900))
}
