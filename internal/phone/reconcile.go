package phone

import "time"

// maybeReconcile starts an unregister-then-register cycle unless one is
// already running or a call would be disturbed. Runs on the run loop.
func (p *Phone) maybeReconcile(trigger string) {
	switch p.machine.Current() {
	case StateRingingIn, StateRingingOut, StateInCall:
		p.log.Debug().Str("trigger", trigger).Msg("reconcile deferred, call active")
		return
	case StateIdle:
		// Logged out; only an explicit Reconnect revives the endpoint.
		return
	}
	if !p.reconciling.CompareAndSwap(false, true) {
		p.log.Debug().Str("trigger", trigger).Msg("reconcile already running")
		return
	}

	p.log.Debug().Str("trigger", trigger).Msg("reconciling registration")
	p.board.update(func(s *Status) { s.IsConnecting = true })

	go func() {
		if err := p.ua.Unregister(); err != nil {
			p.log.Warn().Err(err).Msg("unregister failed")
		}
		select {
		case <-time.After(p.cfg.RegisterDelay):
		case <-p.stopped:
			p.reconciling.Store(false)
			return
		}
		err := p.ua.Register()
		p.submit(func() {
			p.reconciling.Store(false)
			if err != nil {
				p.log.Warn().Err(err).Msg("register failed")
				p.transition(evRegFailed)
				p.board.update(func(s *Status) {
					s.Display = "Registration failed"
					s.IsConnecting = false
				})
			}
		})
	}()
}
