package detector

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultLabel names the single class of a model shipped without a
// labels file.
const DefaultLabel = "sign"

// LoadLabels reads one class name per line. Blank lines and lines
// starting with '#' are ignored. An empty path yields []string{DefaultLabel}.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return []string{DefaultLabel}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s has no entries", path)
	}
	return labels, nil
}

func labelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}
	return fmt.Sprintf("class%d", classID)
}
