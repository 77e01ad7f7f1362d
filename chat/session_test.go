package chat

import (
	"context"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/sdk"
)

// silentScript keeps stdin open and never writes, so the session mailbox
// can be filled without the actor loop draining it.
const silentScript = `#!/bin/sh
while IFS= read -r line; do :; done
`

func TestSessionSend_DoesNotBlockWhenMailboxFull(t *testing.T) {
	cli := writeTestCLI(t, silentScript)
	transport, err := sdk.Spawn(context.Background(), nil, &sdk.Options{PathToExecutable: cli})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	t.Cleanup(transport.Stop)

	// no run loop, so nothing drains the mailbox
	s := newSession(nil, "")
	s.transport = transport

	for i := 0; i < cap(s.mailbox); i++ {
		if !s.send(sessionCmd{kind: cmdUserInput, text: "fill"}) {
			t.Fatalf("send %d failed before the mailbox was full", i)
		}
	}

	overflow := make(chan bool, 1)
	go func() {
		overflow <- s.send(sessionCmd{kind: cmdUserInput, text: "one too many"})
	}()

	select {
	case ok := <-overflow:
		if ok {
			t.Error("send into a full mailbox must report failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send into a full mailbox blocked; the manager loop must never park on a session")
	}
}

func TestSessionSend_FailsAfterTransportStop(t *testing.T) {
	cli := writeTestCLI(t, silentScript)
	transport, err := sdk.Spawn(context.Background(), nil, &sdk.Options{PathToExecutable: cli})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	s := newSession(nil, "")
	s.transport = transport

	transport.Stop()
	<-transport.Done()

	// fill the mailbox so only the stop signal can decide the outcome
	for i := 0; i < cap(s.mailbox); i++ {
		s.mailbox <- sessionCmd{kind: cmdUserInput, text: "fill"}
	}
	if s.send(sessionCmd{kind: cmdUserInput, text: "late"}) {
		t.Error("send after transport stop must report failure")
	}
}
