// Package analysis audits x86-64 executables against the allow-list without
// running them. Code is swept linearly, every instruction goes through the
// same decision engine the runtime monitor uses, and the result is kept as
// findings plus an annotated listing.
package analysis

const (
	// MaxStringLength is the maximum length for string extraction
	MaxStringLength = 256

	// MaxListing bounds the number of listing lines kept in a report.
	MaxListing = 50000

	// MaxSites is how many individual findings the markdown report lists.
	MaxSites = 200
)
