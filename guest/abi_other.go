//go:build !wasip1

package guest

var defaultHost = NewHost(TransportFunc(func(string, []byte) ([]byte, error) {
	return nil, ErrNoHost
}))

// Default returns a Host whose calls fail with ErrNoHost.
func Default() *Host { return defaultHost }
