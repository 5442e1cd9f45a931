package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// promptSession drives an interactive router shell over a byte stream.
// Telnet and serial consoles expose the identical login dance: the
// session waits for the login and password prompts, authenticates,
// and captures the shell prompt line. Each command is then written as
// a single line and the output is read until the prompt reappears.
type promptSession struct {
	reader *bufio.Reader
	writer io.Writer
	prompt []byte
}

const (
	loginPrompt    = "login: "
	passwordPrompt = "Password: "
	promptTail     = "#"
)

// newPromptSession performs the login sequence on rw and captures the
// shell prompt string used to delimit subsequent command output.
func newPromptSession(rw io.ReadWriter, username, password string) (*promptSession, error) {
	s := &promptSession{
		reader: bufio.NewReader(rw),
		writer: rw,
	}

	if _, err := s.readUntil([]byte(loginPrompt)); err != nil {
		return nil, fmt.Errorf("wait for login prompt: %w", err)
	}
	if err := s.writeLine(username); err != nil {
		return nil, fmt.Errorf("send username: %w", err)
	}
	if _, err := s.readUntil([]byte(passwordPrompt)); err != nil {
		return nil, fmt.Errorf("wait for password prompt: %w", err)
	}
	if err := s.writeLine(password); err != nil {
		return nil, fmt.Errorf("send password: %w", err)
	}

	// Everything up to the first "#" ends with the shell prompt; its
	// last line is the prompt string we match command output against.
	banner, err := s.readUntil([]byte(promptTail))
	if err != nil {
		return nil, fmt.Errorf("wait for shell prompt: %w", err)
	}
	lines := bytes.Split(banner, []byte("\n"))
	s.prompt = lines[len(lines)-1]
	return s, nil
}

// run writes a command line and reads output until the captured prompt
// reappears. The echoed command (first line) and the prompt (after the
// last newline) are stripped.
func (s *promptSession) run(command string) ([]string, error) {
	if err := s.writeLine(command); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	data, err := s.readUntil(s.prompt)
	if err != nil {
		return nil, fmt.Errorf("read command output: %w", err)
	}
	parts := strings.Split(string(data), "\n")
	if len(parts) < 2 {
		return nil, nil
	}
	return parts[1 : len(parts)-1], nil
}

func (s *promptSession) writeLine(line string) error {
	_, err := s.writer.Write([]byte(line + "\n"))
	return err
}

// readUntil reads bytes until the buffer ends with delim, returning
// everything read including the delimiter.
func (s *promptSession) readUntil(delim []byte) ([]byte, error) {
	var buf []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, delim) {
			return buf, nil
		}
	}
}
