package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode"
	"unicode/utf8"
)

const (
	MaxStreamIDLength = 100
	// MaxWalletLength bounds identities; wallet addresses on some chains are
	// far longer than an EVM hex address.
	MaxWalletLength = 256
	MaxTitleLength  = 200
)

// StreamIDRegex validates stream ID format
var StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > MaxStreamIDLength {
		return fmt.Errorf("stream ID is too long (max %d characters)", MaxStreamIDLength)
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateWallet validates a wallet address or user handle. Any printable,
// non-space characters are accepted.
func ValidateWallet(wallet string) error {
	if wallet == "" {
		return fmt.Errorf("wallet address is required")
	}
	if !utf8.ValidString(wallet) {
		return fmt.Errorf("wallet address contains invalid characters")
	}
	if utf8.RuneCountInString(wallet) > MaxWalletLength {
		return fmt.Errorf("wallet address is too long (max %d characters)", MaxWalletLength)
	}
	for _, r := range wallet {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("wallet address contains invalid characters")
		}
	}
	return nil
}

// ValidateRole validates the clientType join parameter.
func ValidateRole(role string) error {
	switch role {
	case "broadcaster", "viewer":
		return nil
	case "":
		return fmt.Errorf("client type is required")
	default:
		return fmt.Errorf("invalid client type %q (must be broadcaster or viewer)", role)
	}
}

// ValidateTitle validates an optional stream title.
func ValidateTitle(title string) error {
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("title is too long (max %d characters)", MaxTitleLength)
	}
	return nil
}

// ValidateICEURL validates a STUN/TURN server URL.
func ValidateICEURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid ICE server URL: %w", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server scheme (must be stun, stuns, turn, or turns)")
	}
	// stun:host:port is opaque to net/url
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}
