package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix lets the
// algorithm change without old hashes colliding with new ones.
const (
	DomainDocument = "jibbr/document/v1"
	DomainModule   = "jibbr/module/v1"
	DomainEvent    = "jibbr/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentHash identifies one revision of a document's script sources.
// Client source participates so that editing only the browser half still
// produces a new environment.
func DocumentHash(baseName string, server, client []byte) (string, error) {
	obj := map[string]any{
		"base_name": baseName,
		"server":    hex.EncodeToString(sum(server)),
		"client":    hex.EncodeToString(sum(client)),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DocumentHash: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// ModuleHash identifies one revision of a module's source.
func ModuleHash(identifier string, source []byte) (string, error) {
	obj := map[string]any{
		"identifier": identifier,
		"source":     hex.EncodeToString(sum(source)),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ModuleHash: %w", err)
	}
	return hashWithDomain(DomainModule, canonical), nil
}

// EventHash fingerprints a journal entry's identity fields. Seq and run are
// left out, so the same step in two runs hashes the same.
func EventHash(kind, subject, pendingKey string, detail map[string]string) (string, error) {
	obj := map[string]any{
		"kind":        kind,
		"subject":     subject,
		"pending_key": pendingKey,
		"detail":      detail,
	}
	if detail == nil {
		obj["detail"] = map[string]string{}
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventHash: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

func sum(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}
