package mcpserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mbd888/arcinvoice/internal/validation"
)

// DefaultAPIURL is used when ARCINVOICE_API_URL is unset.
const DefaultAPIURL = "http://localhost:8080"

// ConfigFromEnv builds a Config from ARCINVOICE_API_URL and
// ARCINVOICE_WALLET_ADDRESS. getenv is usually os.Getenv.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		APIURL:        strings.TrimRight(strings.TrimSpace(getenv("ARCINVOICE_API_URL")), "/"),
		WalletAddress: strings.TrimSpace(getenv("ARCINVOICE_WALLET_ADDRESS")),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("ARCINVOICE_API_URL %q must be an http(s) URL", cfg.APIURL)
	}
	if cfg.WalletAddress == "" {
		return Config{}, errors.New("ARCINVOICE_WALLET_ADDRESS is required")
	}
	if !validation.IsValidEthAddress(cfg.WalletAddress) {
		return Config{}, fmt.Errorf("ARCINVOICE_WALLET_ADDRESS %q is not a valid address", cfg.WalletAddress)
	}
	return cfg, nil
}
