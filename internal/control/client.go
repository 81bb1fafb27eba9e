package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoDaemon means the request pipe could not be reached; the admin tool
// maps it to exit code 126.
var ErrNoDaemon = errors.New("cannot reach autotier daemon")

// Send writes one request payload down the request pipe and collects the
// response. The first response token is OK or ERR.
func Send(runPath string, payload []string) ([]string, error) {
	requestPath := filepath.Join(runPath, RequestPipe)
	responsePath := filepath.Join(runPath, ResponsePipe)

	if _, err := os.Stat(requestPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDaemon, err)
	}

	done := make(chan error, 1)
	go func() { done <- writePayload(requestPath, payload) }()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDaemon, err)
		}
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("%w: request pipe has no reader", ErrNoDaemon)
	}

	response, err := readPayload(responsePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDaemon, err)
	}
	return response, nil
}
