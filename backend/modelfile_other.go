//go:build !unix

package backend

import (
	"fmt"
	"os"
)

func readModelFile(path string) (data []byte, release func() error, err error) {
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("file is empty")
	}
	return data, func() error { return nil }, nil
}
