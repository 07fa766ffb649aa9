//go:build !unix

package protocol

import "errors"

var errNoDefaultIO = errors.New("protocol: no default socket I/O on this platform, use SetIOFuncs")

func defaultIO() (RecvFunc, SendFunc) {
	fail := func(any, int, []byte) (int, error) { return 0, errNoDefaultIO }
	return fail, fail
}
