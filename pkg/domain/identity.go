package domain

// Kind distinguishes the entity an Identity belongs to.
// The kind is encoded as the first character of the identity string.
type Kind byte

const (
	KindUnknown  Kind = 0
	KindActor    Kind = 'M'
	KindProvider Kind = 'V'
	KindHost     Kind = 'N'
	KindIssuer   Kind = 'A'
)

func (k Kind) String() string {
	switch k {
	case KindActor:
		return "actor"
	case KindProvider:
		return "provider"
	case KindHost:
		return "host"
	case KindIssuer:
		return "issuer"
	default:
		return "unknown"
	}
}

// Identity is the immutable public identifier derived from a signing keypair.
type Identity string

// Kind reports the entity kind encoded in the identity prefix.
func (id Identity) Kind() Kind {
	if len(id) == 0 {
		return KindUnknown
	}
	switch k := Kind(id[0]); k {
	case KindActor, KindProvider, KindHost, KindIssuer:
		return k
	default:
		return KindUnknown
	}
}

func (id Identity) IsActor() bool    { return id.Kind() == KindActor }
func (id Identity) IsProvider() bool { return id.Kind() == KindProvider }

func (id Identity) String() string { return string(id) }
