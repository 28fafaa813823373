// Package scraper reads cn=Monitor style counters from an LDAP directory.
//
// One Scrape call dials the directory, optionally upgrades with StartTLS,
// binds with simple authentication when both username and password are set,
// and runs a single subtree search under the configured base DN. Every
// attribute of every returned entry whose first value parses as a number is
// handed to a Receiver. Non-numeric values are skipped.
//
// The search filter is built from the allow-list and deny-list fragments by
// BuildFilter. Entry names are DNs relative to the base DN; when an entry
// carries more than one attribute the attribute name is appended.
//
// The connection lives for the duration of the call only. Tests substitute
// the transport through WithDialer.
package scraper
