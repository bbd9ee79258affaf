package supervisor

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// tailLines returns the last n lines read from r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return buf, err
	}
	return buf, nil
}

// TailFile returns the last n lines of the file at path joined by newlines.
func TailFile(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, n)
	return strings.Join(lines, "\n"), err
}
