package scanner

// probeTorchSupport inspects the stream's video track for a torch control
func probeTorchSupport(stream Stream) (TorchControl, bool) {
	if stream == nil {
		return nil, false
	}

	torch := stream.Torch()

	return torch, torch != nil
}

// ToggleTorch flips the torch of the active camera. It does nothing when no
// session is running or the camera has no torch; a torch that refuses the
// change is treated as unsupported from then on.
func (s *Scanner) ToggleTorch() error {
	s.torchMu.Lock()
	defer s.torchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateRunning || !s.torchSupported || s.torch == nil {
		s.mu.Unlock()
		s.logger.Debug("Ignoring torch toggle, no torch available")
		return nil
	}
	torch, want, gen := s.torch, !s.torchOn, s.gen
	s.mu.Unlock()

	err := torch.SetTorch(want)

	s.mu.Lock()
	if s.gen != gen {
		// the stream went away while the control was being applied
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.logger.Warnw("Camera refused torch change, hiding torch", "device", s.activeID, "error", err)
		s.torchSupported = false
		s.torchOn = false
	} else {
		s.torchOn = want
		s.logger.Debugw("Toggled torch", "device", s.activeID, "on", want)
	}
	s.mu.Unlock()

	s.notifyChange()

	return nil
}

// torchOffLocked switches the torch off before its stream is released
func (s *Scanner) torchOffLocked() {
	if s.torch != nil && s.torchOn {
		if err := s.torch.SetTorch(false); err != nil {
			s.logger.Debugw("Failed to switch torch off", "error", err)
		}
	}

	s.torch = nil
	s.torchOn = false
	s.torchSupported = false
}
