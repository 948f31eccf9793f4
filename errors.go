package main

import "errors"

var (
	// errSourceUnavailable marks a refresh that could not get data out of nft.
	errSourceUnavailable = errors.New("nftables source unavailable")
	// errParse marks a ruleset dump that is structurally invalid.
	errParse = errors.New("invalid nftables ruleset")
	// errConfiguration marks invalid startup settings.
	errConfiguration = errors.New("invalid configuration")
)

// failureReason maps a refresh error to the label used for the failure counter.
func failureReason(err error) string {
	switch {
	case errors.Is(err, errSourceUnavailable):
		return "source"
	case errors.Is(err, errParse):
		return "parse"
	default:
		return "other"
	}
}
