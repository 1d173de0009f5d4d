//go:build !windows

package secret

func dpapiProtect([]byte) ([]byte, error)   { return nil, ErrUnsupported }
func dpapiUnprotect([]byte) ([]byte, error) { return nil, ErrUnsupported }
