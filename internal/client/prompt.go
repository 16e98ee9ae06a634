package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Prompter reads interactive answers line by line.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter returns a Prompter reading from in and printing labels to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(in), out: out}
}

// Ask prints label and returns the trimmed answer. It returns io.EOF when
// input is exhausted.
func (p *Prompter) Ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// AskInt asks until the answer is an integer. An empty answer yields def.
func (p *Prompter) AskInt(label string, def int) (int, error) {
	for {
		answer, err := p.Ask(label)
		if err != nil {
			return 0, err
		}
		if answer == "" {
			return def, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil {
			return n, nil
		}
		fmt.Fprintln(p.out, "Please enter a whole number.")
	}
}

// AskPayload collects a secret payload. The user either names a JSON file or
// types key=value pairs, one per line, ending with an empty line.
func (p *Prompter) AskPayload() (map[string]any, error) {
	path, err := p.Ask("Enter JSON file path to load (leave empty for manual input): ")
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %q: %w", path, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("file %q is not a JSON object: %w", path, err)
		}
		return payload, nil
	}

	payload := map[string]any{}
	for {
		line, err := p.Ask("key=value (empty line to finish): ")
		if err != nil && err != io.EOF {
			return nil, err
		}
		if line == "" {
			return payload, nil
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			fmt.Fprintln(p.out, "Expected key=value.")
			continue
		}
		payload[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// AskJSON reads an optional JSON object. An empty answer yields nil.
func (p *Prompter) AskJSON(label string) (json.RawMessage, error) {
	for {
		answer, err := p.Ask(label)
		if err != nil {
			return nil, err
		}
		if answer == "" {
			return nil, nil
		}
		if json.Valid([]byte(answer)) {
			return json.RawMessage(answer), nil
		}
		fmt.Fprintln(p.out, "Not valid JSON, try again.")
	}
}
