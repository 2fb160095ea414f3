// ABOUTME: Version constants for the jamlink binary
// ABOUTME: Single source of truth for product identification
package version

// Product is the product name reported by --version and mDNS TXT records.
const Product = "jamlink"

// Version is the release version.
const Version = "0.9.0"
