// Package control serves administrative commands over a pair of named pipes
// under the run path. Requests and responses are newline-framed token lists;
// a payload ends when the writer closes its end of the FIFO.
package control

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Pipe names under the run path.
const (
	RequestPipe  = "request.pipe"
	ResponsePipe = "response.pipe"
)

// readPayload opens the FIFO for reading and collects lines until the
// writer closes. The open blocks until a writer appears.
func readPayload(path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open pipe %s: %w", path, err)
	}
	defer f.Close()

	var payload []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		payload = append(payload, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read pipe %s: %w", path, err)
	}
	return payload, nil
}

// writePayload opens the FIFO for writing and sends the lines. The open
// blocks until a reader appears.
func writePayload(path string, payload []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cannot open pipe %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range payload {
		// multi-line blocks arrive as one token; split them back out
		for _, l := range strings.Split(strings.TrimRight(line, "\n"), "\n") {
			if _, err := fmt.Fprintln(w, l); err != nil {
				return fmt.Errorf("cannot write pipe %s: %w", path, err)
			}
		}
	}
	return w.Flush()
}
