//go:build !govips || !cgo

package encode

// Startup is a no-op for the pure Go codec.
func Startup() error {
	return nil
}

func Shutdown() {}

func newCodec() (Codec, error) {
	return stdlibCodec{}, nil
}
