package probe

import (
	"fmt"
	"strings"
)

// Kind identifies one of the backends a run can exercise.
type Kind int

const (
	Registry Kind = iota
	ArtifactRepo
	SecretStore
	Identity
)

// Kinds lists every backend in dispatch order.
var Kinds = []Kind{Registry, ArtifactRepo, SecretStore, Identity}

func (k Kind) String() string {
	switch k {
	case Registry:
		return "registry"
	case ArtifactRepo:
		return "artifact"
	case SecretStore:
		return "secrets"
	case Identity:
		return "identity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the canonical names and the product names the
// scripts used to tag their checks (harbor, artifactory, vault, keycloak).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "registry", "harbor":
		return Registry, nil
	case "artifact", "artifactory":
		return ArtifactRepo, nil
	case "secrets", "secret", "vault":
		return SecretStore, nil
	case "identity", "keycloak":
		return Identity, nil
	}
	return 0, fmt.Errorf("unknown service %q", s)
}

// Compare orders kinds for deterministic iteration.
func Compare(a, b Kind) int {
	return int(a) - int(b)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
