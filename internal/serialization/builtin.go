package serialization

import "fmt"

// StringTypeID is the reserved type id for the built-in UTF-8 string
// serializer, registered by default so proxies can round-trip plain string
// keys/values without requiring callers to register their own codec.
const StringTypeID int32 = 1

// stringSerializer is a trivial identity-ish codec: Go strings are already
// UTF-8 byte sequences, so Write/Read are direct conversions.
type stringSerializer struct{}

func (stringSerializer) TypeID() int32 { return StringTypeID }

func (stringSerializer) Write(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("serialization: string serializer got %T, want string", v)
	}
	return []byte(s), nil
}

func (stringSerializer) Read(payload []byte) (any, error) {
	return string(payload), nil
}

// NewDefaultRegistry returns a Registry with the built-in string
// serializer pre-registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(stringSerializer{})
	return r
}
