package protocol

// Kind identifies what a logical message carries.
type Kind uint8

const (
	KindData Kind = 0
	KindAuth Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindData || k == KindAuth }

// AuthStatus is a peripheral's verdict on an AUTH message.
type AuthStatus uint8

const (
	AuthFailed  AuthStatus = 0
	AuthSuccess AuthStatus = 1
)

func (s AuthStatus) String() string {
	switch s {
	case AuthFailed:
		return "AUTH_FAILED"
	case AuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return "UNKNOWN"
	}
}
