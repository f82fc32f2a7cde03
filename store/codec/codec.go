package codec

// Marshaller converts values to bytes and back.
type Marshaller interface {
	ID(v any) (uint64, error)
	Size(v any) (uint64, error)
	Marshal(v any, buf []byte) (uint64, uint64, error)
	Unmarshal(id uint64, buf []byte) (any, uint64, error)
}
