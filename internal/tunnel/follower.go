package tunnel

import (
	"bufio"
	"io"
)

// followLines turns a subprocess output stream into a lazy line channel.
// The channel closes when the stream does, which is how cancellation works:
// killing the subprocess closes its pipe, which ends the iteration. No
// dedicated watcher thread per process is needed.
func followLines(r io.Reader) <-chan string {
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
