package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

const (
	// maxFrameSize caps a single stdout line; large tool results can get close.
	maxFrameSize = 10 * 1024 * 1024

	// killGracePeriod is how long the child gets after SIGINT before SIGKILL.
	killGracePeriod = 5 * time.Second

	defaultEntrypoint = "sdk-go"
)

// Transport owns one CLI child process and presents it as a structured
// duplex: decoded data frames out, user messages and control traffic in.
// Four goroutines cooperate: reader (stdout), writer (stdin, streaming mode
// only), control handler (correlator + inbound control requests), and
// supervisor (kills the child once the stop signal fires).
type Transport struct {
	opts      *Options
	streaming bool

	cmd   *exec.Cmd
	stdin io.WriteCloser

	messages    chan *Message
	prompts     chan map[string]any
	directWrite chan []byte
	control     chan controlCommand

	readerDone chan struct{}

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopReason StopReason
	stopErr    error

	wg sync.WaitGroup

	infoMu sync.Mutex
	info   *ServerInfo

	reqCounter atomic.Uint64
}

// Spawn starts the CLI child. A non-nil oneshotPrompt runs the CLI in print
// mode with stdin closed and no handshake; nil selects streaming mode, where
// user messages flow through SendUserMessage and Initialize must be called
// before querying ServerInfo. Cancelling ctx stops the transport as if Stop
// had been called.
func Spawn(ctx context.Context, oneshotPrompt *string, opts *Options) (*Transport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &Options{}
	}

	args, err := opts.buildArgs(oneshotPrompt)
	if err != nil {
		return nil, err
	}
	argv, err := opts.resolveCommand("claude")
	if err != nil {
		return nil, err
	}
	argv = append(argv, args...)

	if opts.WorkingDir != "" {
		if info, err := os.Stat(opts.WorkingDir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: working directory does not exist: %s", ErrInvalidOptions, opts.WorkingDir)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDir

	entrypoint := opts.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoint
	}
	env := append(os.Environ(), "CLAUDE_CODE_ENTRYPOINT="+entrypoint)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}

	var stderr io.ReadCloser
	if opts.debugEnabled() {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to pipe stderr: %w", err)
		}
	}

	streaming := oneshotPrompt == nil
	var stdin io.WriteCloser
	if streaming {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to pipe stdin: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start CLI: %w", err)
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:        opts,
		streaming:   streaming,
		cmd:         cmd,
		stdin:       stdin,
		messages:    make(chan *Message, 64),
		prompts:     make(chan map[string]any, 16),
		directWrite: make(chan []byte, 16),
		control:     make(chan controlCommand, 16),
		readerDone:  make(chan struct{}),
		stopCh:      make(chan struct{}),
		stopCtx:     stopCtx,
		stopCancel:  stopCancel,
	}

	log.Debug().
		Strs("argv", argv).
		Str("workDir", opts.WorkingDir).
		Int("pid", cmd.Process.Pid).
		Msg("spawned CLI child")

	t.wg.Add(1)
	go t.readStdout(stdout)
	if streaming {
		t.wg.Add(1)
		go t.writeStdin()
	}
	if stderr != nil {
		t.wg.Add(1)
		go t.readStderr(stderr)
	}
	t.wg.Add(1)
	go t.runControl()
	go t.monitor()
	go t.supervise()
	go t.watchContext(ctx)

	return t, nil
}

// watchContext ties the transport's lifetime to the caller's context.
func (t *Transport) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		t.shutdown(StopUserStop, ctx.Err())
	case <-t.stopCh:
	}
}

// Messages returns the channel of data frames from the child. It is closed
// when the reader exits; StopCause explains why.
func (t *Transport) Messages() <-chan *Message {
	return t.messages
}

// Done is closed once the transport has begun shutting down.
func (t *Transport) Done() <-chan struct{} {
	return t.stopCh
}

// StopCause reports why the transport stopped. Valid after Done is closed.
func (t *Transport) StopCause() (StopReason, error) {
	select {
	case <-t.stopCh:
		return t.stopReason, t.stopErr
	default:
		return StopNone, nil
	}
}

// Stop requests an explicit shutdown. Idempotent.
func (t *Transport) Stop() {
	t.shutdown(StopUserStop, nil)
}

// SendUserMessage queues one user turn for the child. sessionID may be empty
// before the child has issued one.
func (t *Transport) SendUserMessage(text string, sessionID string) error {
	if !t.streaming {
		return ErrNotStreaming
	}
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"parent_tool_use_id": nil,
		"session_id":         sessionID,
	}
	select {
	case t.prompts <- msg:
		return nil
	case <-t.stopCh:
		return ErrTransportStopped
	}
}

// writeFrame hands a pre-marshaled frame to the writer.
func (t *Transport) writeFrame(frame []byte) error {
	if !t.streaming {
		return ErrNotStreaming
	}
	select {
	case t.directWrite <- frame:
		return nil
	case <-t.stopCh:
		return ErrTransportStopped
	}
}

// shutdown latches the first stop reason and fires the stop signal.
func (t *Transport) shutdown(reason StopReason, err error) {
	t.stopOnce.Do(func() {
		t.stopReason = reason
		t.stopErr = err
		event := log.Debug()
		if reason.Abnormal() {
			event = log.Warn()
		}
		event.Err(err).Str("reason", reason.String()).Msg("transport stopping")
		close(t.stopCh)
		t.stopCancel()
	})
}

// readStdout decodes newline-delimited JSON from the child and routes each
// frame by type. Control traffic goes to the control handler; everything
// else is a data message. Plain EOF is classified by the monitor, which
// knows the child's exit status.
func (t *Transport) readStdout(stdout io.Reader) {
	defer t.wg.Done()
	defer close(t.readerDone)
	defer close(t.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			t.shutdown(StopDecodeFailed, fmt.Errorf("undecodable frame: %w", err))
			return
		}

		typ, _ := fields["type"].(string)
		switch typ {
		case "control_response", "control_request":
			select {
			case t.control <- controlCommand{inbound: fields}:
			case <-t.stopCh:
				return
			}
		case "control_cancel_request":
			log.Debug().Msg("ignoring control_cancel_request")
		default:
			select {
			case t.messages <- newMessage(line, fields):
			case <-t.stopCh:
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		t.shutdown(StopInvalidFrame, err)
	}
}

// writeStdin serializes user messages and control frames onto child stdin,
// one JSON object per line.
func (t *Transport) writeStdin() {
	defer t.wg.Done()

	write := func(frame []byte) bool {
		frame = append(frame, '\n')
		if _, err := t.stdin.Write(frame); err != nil {
			t.shutdown(StopWriteFailed, err)
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-t.prompts:
			frame, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal user message")
				continue
			}
			if !write(frame) {
				return
			}
		case frame := <-t.directWrite:
			if !write(frame) {
				return
			}
		case <-t.stopCh:
			return
		}
	}
}

// readStderr forwards stderr lines to the configured callback, or logs them.
func (t *Transport) readStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if t.opts.Stderr != nil {
			t.opts.Stderr(line)
		} else {
			log.Debug().Str("stderr", line).Msg("CLI")
		}
	}
}

// monitor reaps the child once the reader has drained stdout. Waiting for
// the reader first keeps cmd.Wait from closing the pipe under it. A clean
// exit is the normal end of output; anything else is a child failure.
func (t *Transport) monitor() {
	<-t.readerDone
	if err := t.cmd.Wait(); err != nil {
		t.shutdown(StopChildExited, err)
		return
	}
	t.shutdown(StopNoMoreOutput, nil)
}

// supervise kills the child once the stop signal fires: close stdin, SIGINT,
// grace period, then SIGKILL.
func (t *Transport) supervise() {
	<-t.stopCh

	if t.stdin != nil {
		t.stdin.Close()
	}

	if proc := t.cmd.Process; proc != nil {
		proc.Signal(syscall.SIGINT)

		exited := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(killGracePeriod):
			log.Warn().Int("pid", proc.Pid).Msg("CLI child did not exit after SIGINT, killing")
			proc.Kill()
		}
	}
}

func (t *Transport) nextRequestID() string {
	n := t.reqCounter.Add(1)
	return fmt.Sprintf("req_%d_%s", n, randomIDSuffix())
}
