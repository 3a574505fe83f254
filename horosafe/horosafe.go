// Package horosafe guards the paths and bodies that reach the pipeline from
// the HTTP and MCP surfaces: request paths stay under their configured
// root, and request bodies are read with a hard size cap.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a request path escapes its root.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrBodyTooLarge is returned by LimitedReadAll past its limit.
var ErrBodyTooLarge = errors.New("horosafe: body too large")

// SafePath joins userInput under base and rejects anything that would land
// outside it. Absolute inputs are taken as relative to base.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	cleaned := filepath.Join(root, filepath.Clean("/"+userInput))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// Resolve applies SafePath when base is set and returns p unchanged
// otherwise. An empty p is an error.
func Resolve(base, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("horosafe: empty path")
	}
	if base == "" {
		return p, nil
	}
	return SafePath(base, p)
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, maxBytes)
	}
	return data, nil
}
