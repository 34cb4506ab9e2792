package classifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roman-kulish/csi-activity/internal/window"
)

// ErrBrokenPipe is returned when the model process stops answering
var ErrBrokenPipe = errors.New("broken pipe")

// DefaultPredictTimeout bounds the wait for one prediction
const DefaultPredictTimeout = 30 * time.Second

// WithPredictTimeout sets how long Predict waits for the model process to
// answer before the process is killed
func WithPredictTimeout(timeout time.Duration) func(*Command) {
	return func(c *Command) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCommandLogger sets the logger for the model process
func WithCommandLogger(logger *slog.Logger) func(*Command) {
	return func(c *Command) {
		c.logger = logger.With(slog.String("command", c.name))
	}
}

// Command is a classifier backed by an external model process. Each window
// is written to the process stdin as one line, rows separated by ';' and
// values by ','; the process answers with one line of comma separated
// probabilities. The process is started on first use and restarted after a
// failure.
type Command struct {
	name    string
	args    []string
	timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	done   chan struct{}

	logger *slog.Logger
}

// FindCommand resolves the model executable in PATH
func FindCommand(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("model command '%s' not found: %w", name, err)
	}
	return path, nil
}

// NewCommand creates a classifier running name with args
func NewCommand(name string, args []string, options ...func(*Command)) *Command {
	c := Command{
		name:    name,
		args:    args,
		timeout: DefaultPredictTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Predict sends w to the model process and waits for its answer. Calls are
// serialized, the process handles one window at a time.
func (c *Command) Predict(ctx context.Context, w *window.Window) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.cmd == nil {
		if err := c.startLocked(); err != nil {
			return nil, err
		}
	}

	if _, err := io.WriteString(c.stdin, EncodeWindow(w)+"\n"); err != nil {
		c.stopLocked()
		return nil, fmt.Errorf("%w: writing window: %w", ErrBrokenPipe, err)
	}

	answers := make(chan answer, 1)
	go readAnswer(c.stdout, answers)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var a answer
	select {
	case a = <-answers:
	case <-timer.C:
		c.logger.Error("model process timed out", slog.Duration("timeout", c.timeout))
		c.stopLocked()
		return nil, fmt.Errorf("%w: no prediction within %s", ErrBrokenPipe, c.timeout)
	case <-ctx.Done():
		c.stopLocked()
		return nil, ctx.Err()
	}

	if !a.ok {
		c.stopLocked()
		err := a.err
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: reading prediction: %w", ErrBrokenPipe, err)
	}

	return ParseProbabilities(a.line)
}

type answer struct {
	line string
	ok   bool
	err  error
}

// readAnswer scans one line from the model process. It returns once the
// process answers or its stdout is closed.
func readAnswer(stdout *bufio.Scanner, answers chan<- answer) {
	ok := stdout.Scan()
	answers <- answer{line: stdout.Text(), ok: ok, err: stdout.Err()}
}

// Close stops the model process
func (c *Command) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopLocked()
}

func (c *Command) startLocked() error {
	cmd := exec.Command(c.name, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("error creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return fmt.Errorf("error starting command: %w", err)
	}

	c.logger.Info("model process started", slog.Int("pid", cmd.Process.Pid))

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewScanner(stdout)
	c.done = make(chan struct{})

	go c.handleStderr(stderr, c.done)
	return nil
}

func (c *Command) stopLocked() error {
	if c.cmd == nil {
		return nil
	}

	_ = c.stdin.Close()
	_ = c.cmd.Process.Kill()
	<-c.done

	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		c.logger.Warn("model process exited", slog.Int("code", exitErr.ExitCode()))
		err = nil
	}

	c.cmd, c.stdin, c.stdout, c.done = nil, nil, nil, nil
	return err
}

// handleStderr reads from stderr and logs each line
func (c *Command) handleStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c.logger.Warn(fmt.Sprintf("%s >> %s", c.name, line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		c.logger.Error(fmt.Sprintf("error reading stderr: %s", err.Error()))
	}
}

// EncodeWindow renders w as rows separated by ';' and values by ','
func EncodeWindow(w *window.Window) string {
	var sb strings.Builder
	for i, row := range w.Values() {
		if i > 0 {
			sb.WriteByte(';')
		}
		for j, v := range row {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return sb.String()
}

// ParseProbabilities decodes a comma separated probability vector
func ParseProbabilities(line string) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")

	probs := make([]float64, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid probability '%s': %w", field, err)
		}
		probs = append(probs, p)
	}

	if len(probs) == 0 {
		return nil, ErrEmptyPrediction
	}
	return probs, nil
}
