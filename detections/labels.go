package detections

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/Tutortoise/object-detection-service/models"
)

// LoadClassNames reads one label per line; the line index is the class id.
// Interior blank lines stay as empty placeholders so gapped label maps keep
// their ids. Trailing blank lines are dropped.
func LoadClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewError(models.ErrConfig, err, "open labels")
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		names = append(names, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, models.NewError(models.ErrConfig, err, "read labels %s", path)
	}
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	if len(names) == 0 {
		return nil, models.NewError(models.ErrConfig, fmt.Errorf("no labels in %s", path), "read labels")
	}
	return names, nil
}
