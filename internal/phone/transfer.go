package phone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/dialtone-app/dialtone/internal/sip"
)

// Transfer subscription states, tracking the NOTIFY bodies the referee's
// stack reports back after a REFER.
const (
	transferPending    = "pending"
	transferTrying     = "trying"
	transferSucceeded  = "succeeded"
	transferFailed     = "failed"
	transferTerminated = "terminated"
)

const (
	evTransferTrying = "notify_trying"
	evTransferOK     = "notify_success"
	evTransferFail   = "notify_failure"
	evTransferAbort  = "abort"
)

// transfer is one in-flight REFER. Its machine is only touched from the
// phone's run loop; the watcher goroutine hands observations back via submit.
type transfer struct {
	target  string
	handle  sip.ReferHandle
	machine *fsm.FSM

	done     chan struct{}
	stopOnce sync.Once
}

func newTransfer(target string, handle sip.ReferHandle) *transfer {
	return &transfer{
		target: target,
		handle: handle,
		machine: fsm.NewFSM(
			transferPending,
			fsm.Events{
				{Name: evTransferTrying, Src: []string{transferPending, transferTrying}, Dst: transferTrying},
				{Name: evTransferOK, Src: []string{transferPending, transferTrying}, Dst: transferSucceeded},
				{Name: evTransferFail, Src: []string{transferPending, transferTrying}, Dst: transferFailed},
				{Name: evTransferAbort, Src: []string{transferPending, transferTrying}, Dst: transferTerminated},
			},
			fsm.Callbacks{},
		),
		done: make(chan struct{}),
	}
}

func (t *transfer) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *transfer) event(name string) {
	_ = t.machine.Event(context.Background(), name)
}

// Transfer hands the active call to another online user. Only a final 2xx
// NOTIFY terminates our leg; anything else leaves the call up so the user is
// not stranded mid-conversation.
func (p *Phone) Transfer(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("phone: no transfer target")
	}
	return p.do(func() error {
		if p.machine.Current() != StateInCall || p.session == nil {
			return errors.New("phone: no call to transfer")
		}
		if p.transfer != nil {
			return errors.New("phone: transfer already in progress")
		}

		addr := target
		if !strings.Contains(addr, "@") && p.cfg.Domain != "" {
			addr += "@" + p.cfg.Domain
		}
		if !p.targetOnline(target, addr) {
			p.board.update(func(s *Status) { s.Display = "Transfer failed: Target user is offline" })
			p.notifier.TransferFailed()
			return fmt.Errorf("phone: transfer target %s is offline", addr)
		}

		handle, err := p.session.Refer(addr)
		if err != nil {
			p.board.update(func(s *Status) { s.Display = "Transfer failed" })
			p.notifier.TransferFailed()
			return fmt.Errorf("refer: %w", err)
		}

		t := newTransfer(addr, handle)
		p.transfer = t
		p.board.update(func(s *Status) { s.Display = "Transferring to " + addr + "..." })
		go p.watchTransfer(t)
		return nil
	})
}

// targetOnline checks the latest presence snapshot for either spelling of
// the target.
func (p *Phone) targetOnline(bare, addr string) bool {
	for _, u := range p.board.snapshot().OnlineUsers {
		if u == bare || u == addr {
			return true
		}
	}
	return false
}

// watchTransfer follows the NOTIFY stream until a final status, the timeout,
// or an abort. It never touches phone state directly.
func (p *Phone) watchTransfer(t *transfer) {
	timer := time.NewTimer(p.cfg.TransferTimeout)
	defer timer.Stop()
	for {
		select {
		case code, ok := <-t.handle.Notifies():
			if !ok {
				p.submit(func() { p.timeoutTransfer(t, "Transfer failed") })
				return
			}
			if code < 200 {
				p.submit(func() {
					if p.transfer == t {
						t.event(evTransferTrying)
					}
				})
				continue
			}
			p.submit(func() { p.finishTransfer(t, code) })
			return
		case <-timer.C:
			p.submit(func() { p.timeoutTransfer(t, "Transfer timed out") })
			return
		case <-t.done:
			return
		}
	}
}

// finishTransfer resolves a transfer on a final NOTIFY. Runs on the run loop.
func (p *Phone) finishTransfer(t *transfer, code int) {
	if p.transfer != t {
		return
	}
	p.transfer = nil
	t.stop()
	t.handle.Close()

	if code >= 300 {
		t.event(evTransferFail)
		p.log.Warn().Int("status", code).Str("target", t.target).Msg("transfer refused")
		p.board.update(func(s *Status) { s.Display = fmt.Sprintf("Transfer failed (%d)", code) })
		p.notifier.TransferFailed()
		return
	}

	t.event(evTransferOK)
	p.log.Info().Str("target", t.target).Msg("transfer complete")
	p.board.update(func(s *Status) { s.Display = "Transfer successful" })
	if p.session != nil {
		// The referee holds the call now; drop our leg.
		_ = p.session.Terminate()
	}
}

// timeoutTransfer gives up on an unresolved transfer but keeps the call.
func (p *Phone) timeoutTransfer(t *transfer, display string) {
	if p.transfer != t {
		return
	}
	p.transfer = nil
	t.stop()
	t.handle.Close()
	t.event(evTransferFail)
	p.log.Warn().Str("target", t.target).Msg("transfer unresolved")
	p.board.update(func(s *Status) { s.Display = display })
	p.notifier.TransferFailed()
}

// abortTransfer cancels the in-flight transfer when the call itself goes
// away.
func (p *Phone) abortTransfer(reason string) {
	if p.transfer == nil {
		return
	}
	t := p.transfer
	p.transfer = nil
	t.stop()
	t.handle.Close()
	t.event(evTransferAbort)
	p.log.Debug().Str("target", t.target).Str("reason", reason).Msg("transfer aborted")
}
