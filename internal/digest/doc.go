// Package digest holds the canonical encodings shared by the resource
// library and the journal.
//
// MarshalCanonical is a small RFC 8785 subset used for content hashes and
// for the journal's detail column. Hashes are domain separated
// (SHA256(domain + 0x00 + data)) so a document hash can never equal a
// module hash over the same bytes.
//
// NormalizeName is the single place request paths and module identifiers
// are validated before they are used as cache keys or joined onto a
// filesystem root.
package digest
