//go:build unix

package protocol

import "golang.org/x/sys/unix"

// SocketRecv reads from the file descriptor handle. The descriptor must be
// in non-blocking mode.
func SocketRecv(_ any, handle int, buf []byte) (int, error) {
	n, err := unix.Read(handle, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SocketSend writes to the file descriptor handle. The descriptor must be in
// non-blocking mode.
func SocketSend(_ any, handle int, buf []byte) (int, error) {
	n, err := unix.Write(handle, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func defaultIO() (RecvFunc, SendFunc) {
	return SocketRecv, SocketSend
}
