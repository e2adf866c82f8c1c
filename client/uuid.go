package client

import "github.com/google/uuid"

// GenerateUUID5 derives a name-based (SHA-1) UUID in the DNS namespace from namespace
// followed by identifier. Equal inputs always yield the same UUID.
func GenerateUUID5(identifier, namespace string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(namespace+identifier))
}
